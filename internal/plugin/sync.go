package plugin

import (
	"context"
	"fmt"
	"log/slog"
)

// SyncReport summarizes one discovery pass.
type SyncReport struct {
	Discovered []*Plugin
	Registered []*Entry
	Promoted   []*Entry
	// Conflicts are plugins whose on-disk entrypoint no longer matches the
	// hash registered for the same version.
	Conflicts []string
}

// Sync discovers plugins under dirs and registers every unseen
// (name, version). With autoPromote, a plugin with no active version gets
// its discovered version promoted.
func Sync(ctx context.Context, reg *Registry, dirs []string, autoPromote bool, logger *slog.Logger) (*SyncReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	plugins, err := Discover(dirs, func(level, msg string, args ...any) {
		switch level {
		case "warn":
			logger.Warn(msg, args...)
		default:
			logger.Debug(msg, args...)
		}
	})
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Discovered: plugins}
	for _, p := range plugins {
		entry, err := reg.findVersion(ctx, p.Name, p.Version)
		if err != nil {
			return report, fmt.Errorf("lookup %s@%s: %w", p.Name, p.Version, err)
		}
		switch {
		case entry == nil:
			entry, err = reg.Register(ctx, Entry{
				Name:         p.Name,
				Version:      p.Version,
				ContentHash:  p.ContentHash,
				Entrypoint:   p.Entrypoint,
				OutputSchema: p.OutputSchema,
			})
			if err != nil {
				return report, err
			}
			report.Registered = append(report.Registered, entry)
			logger.Info("registered plugin version", "plugin", p.Name, "version", p.Version, "hash", p.ContentHash)
		case entry.ContentHash != p.ContentHash:
			report.Conflicts = append(report.Conflicts, p.Name+"@"+p.Version)
			logger.Warn("plugin entrypoint changed without a version bump; ignoring",
				"plugin", p.Name, "version", p.Version, "registered_hash", entry.ContentHash, "disk_hash", p.ContentHash)
			continue
		}

		if !autoPromote || entry.Status == StatusRejected || entry.Status == StatusActive {
			continue
		}
		active, err := reg.ResolveActive(ctx, p.Name)
		if err != nil {
			return report, err
		}
		if active != nil {
			continue
		}
		promoted, err := reg.Promote(ctx, entry.ID)
		if err != nil {
			return report, fmt.Errorf("promote %s@%s: %w", p.Name, p.Version, err)
		}
		report.Promoted = append(report.Promoted, promoted)
		logger.Info("promoted plugin version", "plugin", p.Name, "version", p.Version)
	}
	return report, nil
}
