package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/pkgforge/internal/artifacts"
	"git.home.luguber.info/inful/pkgforge/internal/config"
	"git.home.luguber.info/inful/pkgforge/internal/eventstore"
)

// PurgeCmd implements the 'purge' command.
type PurgeCmd struct {
	DryRun bool `help:"Report what would be deleted without deleting"`
}

func (p *PurgeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	res, err := RunPurge(context.Background(), cfg, time.Now(), p.DryRun)
	if err != nil {
		return err
	}
	fmt.Printf("Artifacts removed: %d\nJournal entries removed: %d\n", res.Artifacts, res.Events)
	return nil
}

// PurgeResult counts what a purge removed.
type PurgeResult struct {
	Artifacts int
	Events    int64
}

// RunPurge deletes artifacts older than the artifact TTL and journal entries
// older than the record TTL. It must not run alongside a live service that
// still references the artifacts it removes.
func RunPurge(ctx context.Context, cfg *config.Config, now time.Time, dryRun bool) (PurgeResult, error) {
	var res PurgeResult
	store, err := artifacts.NewFSStore(cfg.Storage.ArtifactDir)
	if err != nil {
		return res, err
	}
	artifactCutoff := now.Add(-cfg.Retention.ArtifactTTL)
	if dryRun {
		stale, err := store.ListOlderThan(artifactCutoff)
		if err != nil {
			return res, err
		}
		for _, a := range stale {
			slog.Info("Would remove artifact", slog.String("id", a.ID), slog.Time("modified", a.ModTime))
		}
		res.Artifacts = len(stale)
		return res, nil
	}

	ids, err := store.PurgeOlderThan(artifactCutoff)
	res.Artifacts = len(ids)
	if err != nil {
		return res, err
	}

	if cfg.Events.DBPath != "" {
		events, err := eventstore.NewSQLiteStore(cfg.Events.DBPath)
		if err != nil {
			return res, fmt.Errorf("failed to open event journal: %w", err)
		}
		defer func() { _ = events.Close() }()
		if res.Events, err = events.PurgeBefore(ctx, now.Add(-cfg.Retention.RecordTTL)); err != nil {
			return res, err
		}
	}
	slog.Info("Purge complete", slog.Int("artifacts", res.Artifacts), slog.Int64("events", res.Events))
	return res, nil
}
