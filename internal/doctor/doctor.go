// Package doctor checks a quarry deployment: configuration against the
// plugins on disk, the manifest registry and the persisted breaker state.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mattjoyce/quarry/internal/breaker"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// ManifestLister is the slice of the manifest registry the doctor reads.
type ManifestLister interface {
	List(ctx context.Context, name string) ([]*plugin.Entry, error)
}

// BreakerLister is the slice of the breaker store the doctor reads.
type BreakerLister interface {
	List(ctx context.Context) ([]breaker.State, error)
}

// Doctor validates a loaded config against discovered plugins and durable
// state.
type Doctor struct {
	cfg        *config.Config
	discovered []*plugin.Plugin
	manifests  ManifestLister
	breakers   BreakerLister
	probe      func(string) (storage.Mount, error)
}

// New creates a Doctor. discovered is the result of plugin.Discover over
// the configured plugins_dir.
func New(cfg *config.Config, discovered []*plugin.Plugin, manifests ManifestLister, breakers BreakerLister) *Doctor {
	return &Doctor{cfg: cfg, discovered: discovered, manifests: manifests, breakers: breakers, probe: storage.Probe}
}

// Validate runs all checks. Errors reading state are returned, not reported
// as issues.
func (d *Doctor) Validate(ctx context.Context) (*Result, error) {
	r := &Result{}

	d.validatePluginRefs(r)
	d.validateAPIConfig(r)
	d.warnMissingEnvVars(r)
	d.warnRemoteWorkDir(r)
	if err := d.validateManifests(ctx, r); err != nil {
		return nil, err
	}
	if err := d.warnPausedBreakers(ctx, r); err != nil {
		return nil, err
	}

	r.Valid = len(r.Errors) == 0
	return r, nil
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) byName() map[string]*plugin.Plugin {
	out := make(map[string]*plugin.Plugin, len(d.discovered))
	for _, p := range d.discovered {
		out[p.Name] = p
	}
	return out
}

// validatePluginRefs checks that plugins in config are discoverable.
func (d *Doctor) validatePluginRefs(r *Result) {
	found := d.byName()
	for name, pc := range d.cfg.Plugins {
		p, ok := found[name]
		if !ok {
			d.addError(r, "plugin_refs", fmt.Sprintf("plugins.%s", name),
				fmt.Sprintf("plugin %q in config but not found in plugins_dir", name))
			continue
		}
		if pc.Timeout > 0 && p.Timeout > 0 && pc.Timeout > p.Timeout {
			d.addWarning(r, "plugin_refs", fmt.Sprintf("plugins.%s.timeout", name),
				fmt.Sprintf("timeout %s overrides the manifest's %s", pc.Timeout, p.Timeout))
		}
	}
	if len(d.discovered) == 0 {
		d.addWarning(r, "plugin_refs", "plugins_dir",
			fmt.Sprintf("no plugins found under %s", d.cfg.PluginsDir))
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled || d.cfg.API.APIKey != "" {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		d.addWarning(r, "api", "api.api_key", "API enabled without an api_key")
		return
	}
	d.addError(r, "api", "api.api_key",
		fmt.Sprintf("API listens on %s without an api_key", d.cfg.API.Listen))
}

// warnMissingEnvVars flags plugin env entries that expanded to nothing and
// inherited variables absent from the dispatcher's environment.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for name, pc := range d.cfg.Plugins {
		for key, val := range pc.Env {
			if val == "" {
				d.addWarning(r, "env_vars", fmt.Sprintf("plugins.%s.env.%s", name, key),
					"value is empty (possibly unresolved environment variable)")
			}
		}
	}
	for _, name := range d.cfg.Sandbox.InheritEnv {
		if _, ok := os.LookupEnv(name); !ok {
			d.addWarning(r, "env_vars", "sandbox.inherit_env",
				fmt.Sprintf("environment variable %s is not set", name))
		}
	}
}

// warnRemoteWorkDir flags session scratch space on a network mount.
func (d *Doctor) warnRemoteWorkDir(r *Result) {
	dir := d.cfg.Sandbox.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	m, err := d.probe(dir)
	if err != nil {
		d.addWarning(r, "sandbox", "sandbox.work_dir", fmt.Sprintf("cannot inspect %s: %v", dir, err))
		return
	}
	if m.Network {
		d.addWarning(r, "sandbox", "sandbox.work_dir",
			fmt.Sprintf("%s is on %s; plugin sessions will write scratch files over the network", dir, m.FSType))
	}
}

// validateManifests compares what is on disk with what the registry will
// run. A hash mismatch on the active version makes every spawn fail.
func (d *Doctor) validateManifests(ctx context.Context, r *Result) error {
	entries, err := d.manifests.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list manifests: %w", err)
	}
	active := make(map[string]*plugin.Entry)
	for _, e := range entries {
		if e.Status == plugin.StatusActive {
			active[e.Name] = e
		}
	}

	for _, p := range d.discovered {
		field := fmt.Sprintf("plugins.%s", p.Name)
		e, ok := active[p.Name]
		switch {
		case !ok:
			d.addWarning(r, "manifests", field,
				fmt.Sprintf("plugin %q has no active manifest; its jobs will not be claimed", p.Name))
		case e.Version != p.Version:
			d.addWarning(r, "manifests", field,
				fmt.Sprintf("plugin %q is %s on disk but %s is active; run plugin sync", p.Name, p.Version, e.Version))
		case e.ContentHash != p.ContentHash:
			d.addError(r, "manifests", field,
				fmt.Sprintf("plugin %q %s entrypoint changed without a version bump", p.Name, p.Version))
		}
	}
	return nil
}

func (d *Doctor) warnPausedBreakers(ctx context.Context, r *Result) error {
	states, err := d.breakers.List(ctx)
	if err != nil {
		return fmt.Errorf("list breakers: %w", err)
	}
	for _, st := range states {
		if st.Mode != breaker.ModePaused {
			continue
		}
		msg := fmt.Sprintf("plugin %q is paused after %d trip(s)", st.Plugin, st.TripCount)
		if st.ResumeAt != nil {
			msg += fmt.Sprintf(", resumes at %s", st.ResumeAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
		d.addWarning(r, "breakers", "", msg)
	}
	return nil
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Deployment healthy.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Deployment healthy (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Deployment has problems (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
