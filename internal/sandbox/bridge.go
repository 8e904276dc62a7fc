package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/protocol"
)

const (
	dataChannel = "data"
	logChannel  = "log"

	minDrainGrace = 10 * time.Millisecond
)

// Bridge spawns plugin sessions under the sandbox limits.
type Bridge struct {
	cfg    config.SandboxConfig
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.SandboxConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: logger, now: time.Now}
}

// Run executes one session to the end. It never returns an error for plugin
// behavior: every way a plugin can end is described by the Result.
// Cancelling ctx is the operator's forced early timeout.
func (b *Bridge) Run(ctx context.Context, spec Spec) *Result {
	res := &Result{StartedAt: b.now()}
	finish := func(term Termination, err error) *Result {
		res.Termination = term
		res.Err = err
		res.FinishedAt = b.now()
		return res
	}

	logger := b.logger.With("job_id", spec.JobID, "plugin", spec.Plugin, "plugin_version", spec.Version)

	if spec.ContentHash != "" {
		if err := plugin.VerifyHash(spec.Entrypoint, spec.ContentHash); err != nil {
			logger.Error("refusing to spawn plugin", "error", err)
			return finish(TermStartFailed, err)
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}

	workDir, err := os.MkdirTemp(b.cfg.WorkDir, "quarry-session-")
	if err != nil {
		return finish(TermStartFailed, fmt.Errorf("create work dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove session work dir", "dir", workDir, "error", err)
		}
	}()

	dataR, dataW, err := os.Pipe()
	if err != nil {
		return finish(TermStartFailed, fmt.Errorf("create data channel: %w", err))
	}
	defer dataR.Close()
	logR, logW, err := os.Pipe()
	if err != nil {
		dataW.Close()
		return finish(TermStartFailed, fmt.Errorf("create log channel: %w", err))
	}
	defer logR.Close()

	var stdin bytes.Buffer
	if err := protocol.EncodeRequest(&stdin, &protocol.Request{
		Protocol:   protocol.Version,
		JobID:      spec.JobID,
		Plugin:     spec.Plugin,
		Version:    spec.Version,
		Attempt:    spec.Attempt,
		PayloadRef: spec.PayloadRef,
		Config:     spec.Config,
		DeadlineAt: res.StartedAt.Add(timeout).UTC(),
	}); err != nil {
		dataW.Close()
		logW.Close()
		return finish(TermStartFailed, err)
	}

	// A descendant that left the process group can hold the pipes open;
	// grace bounds how long Wait and the readers honour that.
	grace := max(b.cfg.DrainGrace, minDrainGrace)
	diagnostics := newCappedBuffer(b.cfg.DiagnosticsBytes)
	cmd := exec.Command(spec.Entrypoint, spec.PayloadRef)
	cmd.Dir = workDir
	cmd.Env = b.environ(spec)
	cmd.Stdin = &stdin
	cmd.Stdout = diagnostics
	cmd.Stderr = diagnostics
	cmd.ExtraFiles = []*os.File{dataW, logW}
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	logger.Debug("spawning plugin", "entrypoint", spec.Entrypoint, "timeout", timeout)
	err = cmd.Start()
	// The child holds its own copies; ours must go so EOF arrives on exit.
	dataW.Close()
	logW.Close()
	if err != nil {
		return finish(TermStartFailed, fmt.Errorf("start process: %w", err))
	}
	res.Pid = cmd.Process.Pid

	data := &dataReader{r: protocol.NewReader(dataR, dataChannel, b.cfg.MaxFrameBytes), maxBytes: b.cfg.MaxSessionBytes}
	logs := &logReader{r: protocol.NewReader(logR, logChannel, b.cfg.MaxFrameBytes), max: b.cfg.MaxLogLines, logger: logger}

	readerErr := make(chan error, 2)
	go func() { readerErr <- data.run() }()
	go func() { readerErr <- logs.run() }()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		term      Termination
		cause     error
		exitErr   error
		exited    bool
		readersUp = 2
	)
	kill := func(t Termination, why error) {
		if term != "" {
			return
		}
		term, cause = t, why
		if err := killGroup(cmd); err != nil {
			logger.Error("failed to kill plugin process group", "pid", res.Pid, "error", err)
		}
	}

	cancelled := ctx.Done()
	for !exited {
		select {
		case <-timer.C:
			logger.Warn("plugin exceeded timeout, killing", "timeout", timeout)
			kill(TermTimedOut, fmt.Errorf("session exceeded timeout of %s", timeout))
		case <-cancelled:
			cancelled = nil
			logger.Warn("session cancelled, killing plugin")
			kill(TermCancelled, fmt.Errorf("session cancelled: %w", context.Cause(ctx)))
		case err := <-readerErr:
			readersUp--
			if err != nil {
				logger.Warn("protocol violation, killing plugin", "error", err)
				kill(TermProtocolViolation, err)
			}
		case exitErr = <-waitErr:
			exited = true
		}
	}

	// The process is reaped. Give the readers a bounded window to drain
	// what it wrote, then cut the channels.
	drain := time.NewTimer(grace)
	defer drain.Stop()
	for readersUp > 0 {
		select {
		case err := <-readerErr:
			readersUp--
			if err != nil && term == "" {
				term, cause = TermProtocolViolation, err
			}
		case <-drain.C:
			logger.Warn("plugin channels still open after exit; closing")
			_ = killGroup(cmd)
			dataR.Close()
			logR.Close()
			for ; readersUp > 0; readersUp-- {
				<-readerErr
			}
			if term == "" {
				term, cause = TermAbnormalExit, errors.New("channels held open after plugin exit")
			}
		}
	}

	res.Batches = data.batches
	res.BytesRead = data.bytes
	res.Completion = data.tracker.Completion()
	res.Logs = logs.lines
	res.LogsDropped = logs.dropped
	res.Diagnostics = diagnostics.String()
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		res.ExitCode = &code
	}

	if term == "" {
		term, cause = classifyExit(exitErr, res)
	}
	out := finish(term, cause)
	logger.Debug("session finished", "termination", term, "batches", len(res.Batches), "duration", res.Duration(), "pid", res.Pid)
	return out
}

// classifyExit decides how a session that the sandbox did not kill ended.
func classifyExit(waitErr error, res *Result) (Termination, error) {
	var ee *exec.ExitError
	switch {
	case errors.As(waitErr, &ee):
		return TermAbnormalExit, fmt.Errorf("plugin exited with status %d", ee.ExitCode())
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// Exit status was zero; stdout or stderr was held open past the
		// drain window by a descendant.
	case waitErr != nil:
		return TermAbnormalExit, fmt.Errorf("wait for plugin: %w", waitErr)
	}
	if res.Completion == nil {
		return TermAbnormalExit, errors.New("data channel closed without a completion frame")
	}
	return TermCompleted, nil
}

// environ builds the minimal environment: whitelisted host variables, the
// plugin's configured variables, then the session variables.
func (b *Bridge) environ(spec Spec) []string {
	var env []string
	for _, name := range b.cfg.InheritEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return append(env,
		fmt.Sprintf("%s=%d", protocol.EnvDataFD, protocol.DataFD),
		fmt.Sprintf("%s=%d", protocol.EnvLogFD, protocol.LogFD),
		protocol.EnvPayload+"="+spec.PayloadRef,
		protocol.EnvJobID+"="+spec.JobID,
	)
}

// dataReader drains the data channel. It stops at the first violation.
type dataReader struct {
	r        *protocol.Reader
	tracker  protocol.Tracker
	batches  []*protocol.DataBatch
	bytes    int64
	maxBytes int64
}

func (d *dataReader) run() error {
	for {
		f, err := d.r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return readErr(dataChannel, err)
		}
		switch f.Kind {
		case protocol.KindDataBatch:
			d.bytes += int64(len(f.Payload))
			if d.maxBytes > 0 && d.bytes > d.maxBytes {
				return &protocol.ViolationError{Channel: dataChannel, Kind: f.Kind,
					Reason: fmt.Sprintf("session output exceeds %d bytes", d.maxBytes)}
			}
			batch, err := protocol.DecodeBatch(dataChannel, f.Payload)
			if err != nil {
				return err
			}
			if err := d.tracker.Batch(batch); err != nil {
				return err
			}
			d.batches = append(d.batches, batch)
		case protocol.KindCompletion:
			c, err := protocol.DecodeCompletion(dataChannel, f.Payload)
			if err != nil {
				return err
			}
			if err := d.tracker.Complete(c); err != nil {
				return err
			}
		default:
			return &protocol.ViolationError{Channel: dataChannel, Kind: f.Kind, Reason: "frame kind not allowed on data channel"}
		}
	}
}

// logReader drains the log channel and relays lines to the job logger.
type logReader struct {
	r       *protocol.Reader
	lines   []protocol.LogLine
	dropped int
	max     int
	logger  *slog.Logger
}

func (l *logReader) run() error {
	for {
		f, err := l.r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return readErr(logChannel, err)
		}
		if f.Kind != protocol.KindLogLine {
			return &protocol.ViolationError{Channel: logChannel, Kind: f.Kind, Reason: "frame kind not allowed on log channel"}
		}
		line, err := protocol.DecodeLogLine(logChannel, f.Payload)
		if err != nil {
			return err
		}
		if l.max > 0 && len(l.lines) >= l.max {
			l.dropped++
			continue
		}
		l.lines = append(l.lines, *line)
		l.logger.Log(context.Background(), pluginLevel(line.Level), line.Message, "source", "plugin")
	}
}

// readErr passes violations through. Any other read failure means the
// channel was cut under us, which only happens while the session is being
// torn down.
func readErr(channel string, err error) error {
	if protocol.IsViolation(err) {
		return err
	}
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return fmt.Errorf("read %s channel: %w", channel, err)
}

func pluginLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
