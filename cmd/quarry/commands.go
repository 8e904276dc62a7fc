package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/quarry/internal/breaker"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/doctor"
	"github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/quarantine"
	"github.com/mattjoyce/quarry/internal/queue"
	"github.com/mattjoyce/quarry/internal/storage"
)

// now is swapped in tests.
var now = time.Now

func configFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("QUARRY_CONFIG")
	if def == "" {
		def = "config.yaml"
	}
	return fs.String("config", def, "Path to configuration file or directory")
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// openState loads config and opens the state database for an operator
// action. The caller closes the returned db.
func openState(configPath string) (*config.Config, *sql.DB, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	// Operator commands stay quiet unless something goes wrong.
	log.Setup("warn", "text")
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, db, nil
}

func parseFlags(fs *flag.FlagSet, args []string, positional int, usage string) bool {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return false
	}
	if fs.NArg() != positional {
		fmt.Fprintln(os.Stderr, "Usage: "+usage)
		return false
	}
	return true
}

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return 1
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail("Failed to render JSON: %v", err)
	}
	fmt.Println(string(data))
	return 0
}

// --- system ---

func runSystemDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if !parseFlags(fs, args, 0, "quarry system doctor [--config PATH] [--json]") {
		return 1
	}

	cfg, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	discovered, err := plugin.Discover([]string{cfg.PluginsDir}, func(level, msg string, args ...any) {
		if level == "warn" {
			log.WithComponent("plugin").Warn(msg, args...)
		}
	})
	if err != nil {
		return fail("Plugin discovery failed: %v", err)
	}

	d := doctor.New(cfg, discovered, plugin.NewRegistry(db), breaker.New(db, cfg.Breaker, nil))
	result, err := d.Validate(context.Background())
	if err != nil {
		return fail("Doctor failed: %v", err)
	}
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			return fail("Failed to render JSON: %v", err)
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

// --- job ---

func runJobEnqueue(args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	configPath := configFlag(fs)
	pluginName := fs.String("plugin", "", "Plugin tag that parses the payload")
	payload := fs.String("payload", "", "Opaque payload reference, usually a file path")
	staged := fs.Bool("staged", false, "Hold the job as staged instead of queued")
	submittedBy := fs.String("submitted-by", "cli", "Producer name recorded on the job")
	if !parseFlags(fs, args, 0, "quarry job enqueue [--config PATH] --plugin NAME --payload REF") {
		return 1
	}

	cfg, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	req := queue.EnqueueRequest{
		Plugin:      *pluginName,
		PayloadRef:  *payload,
		SubmittedBy: *submittedBy,
		MaxAttempts: cfg.Reconciler.MaxAttempts,
	}
	if *staged {
		req.Status = queue.StatusStaged
	}
	id, err := queue.New(db).Enqueue(context.Background(), req)
	if err != nil {
		return fail("Failed to enqueue job: %v", err)
	}
	fmt.Println(id)
	return 0
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := configFlag(fs)
	status := fs.String("status", "", "Only jobs in this status")
	pluginName := fs.String("plugin", "", "Only jobs for this plugin")
	limit := fs.Int("limit", 50, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if !parseFlags(fs, args, 0, "quarry job list [--status STATUS] [--plugin NAME] [--limit N] [--json]") {
		return 1
	}
	filter := queue.ListFilter{Status: queue.Status(*status), Plugin: *pluginName, Limit: *limit}
	if filter.Status != "" && !filter.Status.Valid() {
		return fail("Unknown status: %s", *status)
	}

	_, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	jobs, err := queue.New(db).List(context.Background(), filter)
	if err != nil {
		return fail("Failed to list jobs: %v", err)
	}
	if *jsonOut {
		return printJSON(jobs)
	}
	renderJobs(os.Stdout, jobs, now())
	return 0
}

func runJobShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if !parseFlags(fs, args, 1, "quarry job show [--config PATH] [--json] <job_id>") {
		return 1
	}

	_, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	ctx := context.Background()
	q := queue.New(db)
	job, err := q.Get(ctx, fs.Arg(0))
	if err != nil {
		return fail("Failed to load job: %v", err)
	}
	attempts, err := q.ListAttempts(ctx, job.ID)
	if err != nil {
		return fail("Failed to load attempts: %v", err)
	}
	records, err := quarantine.NewStore(db).ListByJob(ctx, job.ID)
	if err != nil {
		return fail("Failed to load quarantine: %v", err)
	}

	if *jsonOut {
		return printJSON(map[string]any{"job": job, "attempts": attempts, "quarantined": len(records)})
	}
	renderJobDetail(os.Stdout, job, attempts, records, now())
	return 0
}

func runJobRequeue(args []string) int {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	configPath := configFlag(fs)
	if !parseFlags(fs, args, 1, "quarry job requeue [--config PATH] <job_id>") {
		return 1
	}

	_, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	q := queue.New(db)
	ctx := context.Background()
	if err := q.Requeue(ctx, fs.Arg(0)); err != nil {
		return fail("Failed to requeue job: %v", err)
	}
	job, err := q.Get(ctx, fs.Arg(0))
	if err != nil {
		return fail("Failed to load job: %v", err)
	}
	fmt.Printf("Requeued %s (attempt %d of %d)\n", job.ID, job.Attempt, job.MaxAttempts)
	return 0
}

// --- plugin ---

func runJobRelease(args []string) int {
	fs := flag.NewFlagSet("release", flag.ContinueOnError)
	configPath := configFlag(fs)
	if !parseFlags(fs, args, 1, "quarry job release [--config PATH] <plugin>") {
		return 1
	}

	_, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	n, err := queue.New(db).ReleaseStaged(context.Background(), fs.Arg(0))
	if err != nil {
		return fail("Failed to release: %v", err)
	}
	fmt.Printf("Released %d staged job(s) for %s\n", n, fs.Arg(0))
	return 0
}

func runPluginSync(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	configPath := configFlag(fs)
	noPromote := fs.Bool("no-promote", false, "Register new versions without promoting any")
	if !parseFlags(fs, args, 0, "quarry plugin sync [--config PATH] [--no-promote]") {
		return 1
	}

	cfg, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	autoPromote := cfg.Dispatcher.AutoPromote && !*noPromote
	report, err := plugin.Sync(context.Background(), plugin.NewRegistry(db), []string{cfg.PluginsDir}, autoPromote, log.WithComponent("plugin"))
	if err != nil {
		return fail("Plugin sync failed: %v", err)
	}
	fmt.Printf("Discovered %d, registered %d, promoted %d\n", len(report.Discovered), len(report.Registered), len(report.Promoted))
	for _, e := range report.Registered {
		fmt.Printf("  registered %s@%s (%s)\n", e.Name, e.Version, e.ID)
	}
	for _, e := range report.Promoted {
		fmt.Printf("  promoted   %s@%s\n", e.Name, e.Version)
	}
	for _, c := range report.Conflicts {
		fmt.Printf("  conflict   %s: entrypoint changed without a version bump\n", c)
	}
	return 0
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if !parseFlags(fs, args, 1, "quarry plugin list [--config PATH] [--json] <name>") {
		return 1
	}

	_, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	entries, err := plugin.NewRegistry(db).List(context.Background(), fs.Arg(0))
	if err != nil {
		return fail("Failed to list manifests: %v", err)
	}
	if *jsonOut {
		return printJSON(entries)
	}
	renderManifests(os.Stdout, entries, now())
	return 0
}

func runPluginStage(args []string) int {
	fs := flag.NewFlagSet("stage", flag.ContinueOnError)
	configPath := configFlag(fs)
	if !parseFlags(fs, args, 1, "quarry plugin stage [--config PATH] <manifest_id>") {
		return 1
	}

	_, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	if err := plugin.NewRegistry(db).Stage(context.Background(), fs.Arg(0)); err != nil {
		return fail("Failed to stage: %v", err)
	}
	fmt.Printf("Staged %s for evaluation\n", fs.Arg(0))
	return 0
}

func runPluginPromote(args []string) int {
	fs := flag.NewFlagSet("promote", flag.ContinueOnError)
	configPath := configFlag(fs)
	if !parseFlags(fs, args, 1, "quarry plugin promote [--config PATH] <manifest_id>") {
		return 1
	}

	_, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	entry, err := plugin.NewRegistry(db).Promote(context.Background(), fs.Arg(0))
	if err != nil {
		if errors.Is(err, plugin.ErrDuplicateVersion) {
			log.Invariant(log.WithComponent("cli"), "duplicate manifest promotion refused", "manifest_id", fs.Arg(0), "error", err)
		}
		return fail("Failed to promote: %v", err)
	}
	fmt.Printf("Promoted %s@%s (%s)\n", entry.Name, entry.Version, entry.ID)
	return 0
}

func runPluginReject(args []string) int {
	fs := flag.NewFlagSet("reject", flag.ContinueOnError)
	configPath := configFlag(fs)
	reason := fs.String("reason", "", "Why the version is rejected")
	if !parseFlags(fs, args, 1, "quarry plugin reject [--config PATH] --reason TEXT <manifest_id>") {
		return 1
	}
	if strings.TrimSpace(*reason) == "" {
		return fail("--reason is required")
	}

	_, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	prior, err := plugin.NewRegistry(db).Reject(context.Background(), fs.Arg(0), *reason)
	if err != nil {
		return fail("Failed to reject: %v", err)
	}
	fmt.Printf("Rejected %s@%s\n", prior.Name, prior.Version)
	if prior.Status == plugin.StatusActive {
		fmt.Printf("%s has no active version; its jobs stay queued until one is promoted\n", prior.Name)
	}
	return 0
}

// --- breaker ---

func runBreakerList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if !parseFlags(fs, args, 0, "quarry breaker list [--config PATH] [--json]") {
		return 1
	}

	cfg, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	states, err := breaker.New(db, cfg.Breaker, clockwork.NewRealClock()).List(context.Background())
	if err != nil {
		return fail("Failed to list breakers: %v", err)
	}
	if *jsonOut {
		return printJSON(states)
	}
	renderBreakers(os.Stdout, states, now())
	return 0
}

func runBreakerResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	configPath := configFlag(fs)
	if !parseFlags(fs, args, 1, "quarry breaker resume [--config PATH] <plugin>") {
		return 1
	}

	cfg, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	if err := breaker.New(db, cfg.Breaker, clockwork.NewRealClock()).Resume(context.Background(), fs.Arg(0)); err != nil {
		return fail("Failed to resume breaker: %v", err)
	}
	fmt.Printf("Resumed %s\n", fs.Arg(0))
	return 0
}

// --- quarantine ---

func runQuarantineList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if !parseFlags(fs, args, 1, "quarry quarantine list [--config PATH] [--json] <job_id>") {
		return 1
	}

	_, db, err := openState(*configPath)
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()

	records, err := quarantine.NewStore(db).ListByJob(context.Background(), fs.Arg(0))
	if err != nil {
		return fail("Failed to list quarantine: %v", err)
	}
	if *jsonOut {
		return printJSON(records)
	}
	renderQuarantine(os.Stdout, records)
	return 0
}
