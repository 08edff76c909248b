// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/chithram/fedsync/lib/clock"
	"github.com/chithram/fedsync/lib/compress"
	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/paramname"
	"github.com/chithram/fedsync/lib/sealed"
	"github.com/chithram/fedsync/lib/version"
)

const (
	// UpdateExtension marks a plain pending update.
	UpdateExtension = ".fsg"

	// rejectedDir collects pending updates that could not be read.
	rejectedDir = "rejected"
)

// Config configures a Runner.
type Config struct {
	PendingDir string
	ModelsDir  string

	// LiveModel is the model participants download. It is the base
	// the average is written into; the first update is used while it
	// does not exist yet.
	LiveModel string

	// MinUpdates is the pending count that triggers a round (default 2).
	MinUpdates int

	// Interval is the Watch period (default one minute).
	Interval time.Duration

	// Identities open sealed updates. Without them sealed updates are
	// left pending.
	Identities []age.Identity

	Compression compress.Tag
	Normalizer  paramname.Normalizer
	MinMatches  int

	Clock  clock.Clock
	Logger *slog.Logger

	// OnRound, when set, is called after every round Watch runs.
	OnRound func(*Result, error)
}

// Result reports one round.
type Result struct {
	// Skipped is set when too few updates were pending.
	Skipped bool `json:"skipped"`

	Pending    int      `json:"pending"`
	Aggregated []string `json:"aggregated,omitempty"`
	Rejected   []string `json:"rejected,omitempty"`

	Global   string    `json:"global,omitempty"`
	Archived string    `json:"archived,omitempty"`
	Manifest *Manifest `json:"manifest,omitempty"`

	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Runner runs aggregation rounds.
type Runner struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a runner for config.
func New(config Config) *Runner {
	if config.MinUpdates <= 0 {
		config.MinUpdates = 2
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{config: config, clock: config.Clock, logger: config.Logger}
}

type update struct {
	path  string
	graph *graph.Graph
}

// RunOnce runs a round if enough updates are pending. It returns
// ErrBusy when another round holds the pending directory.
func (r *Runner) RunOnce(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(r.config.PendingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating pending directory: %w", err)
	}
	lock, err := lockDir(filepath.Join(r.config.PendingDir, lockName))
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			r.logger.Warn("releasing round lock failed", "error", releaseErr)
		}
	}()

	paths, err := r.pending()
	if err != nil {
		return nil, err
	}
	result := &Result{Pending: len(paths)}
	if len(paths) < r.config.MinUpdates {
		r.logger.Info("not enough updates to aggregate", "pending", len(paths), "required", r.config.MinUpdates)
		result.Skipped = true
		return result, nil
	}

	var updates []update
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, err := r.load(path)
		if err != nil {
			r.logger.Warn("rejecting unreadable update", "path", path, "error", err)
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("%s: %v", filepath.Base(path), err))
			if rejectErr := r.reject(path); rejectErr != nil {
				return nil, rejectErr
			}
			result.Rejected = append(result.Rejected, filepath.Base(path))
			continue
		}
		updates = append(updates, update{path: path, graph: g})
	}
	if len(updates) < r.config.MinUpdates {
		r.logger.Info("not enough readable updates to aggregate", "readable", len(updates), "required", r.config.MinUpdates)
		result.Skipped = true
		return result, nil
	}

	if err := r.publish(updates, result); err != nil {
		return nil, err
	}

	for _, u := range updates {
		if err := os.Remove(u.path); err != nil {
			r.logger.Warn("failed to delete processed update", "path", u.path, "error", err)
		}
		result.Aggregated = append(result.Aggregated, filepath.Base(u.path))
	}
	r.logger.Info("round complete",
		"updates", len(updates),
		"global", result.Global,
		"version", result.Manifest.Version,
	)
	return result, nil
}

func (r *Runner) publish(updates []update, result *Result) error {
	models := make([]*graph.Graph, len(updates))
	sources := make([]string, len(updates))
	for i, u := range updates {
		models[i] = u.graph
		sources[i] = filepath.Base(u.path)
	}

	base := models[0]
	liveExists := false
	if live, err := graph.Load(r.config.LiveModel); err == nil {
		base = live
		liveExists = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading live model: %w", err)
	}

	combined, err := combine(base, models, sources, combiner{
		normalizer: r.config.Normalizer,
		minMatches: r.config.MinMatches,
		logger:     r.logger,
	})
	if err != nil {
		return err
	}
	result.Diagnostics = append(result.Diagnostics, combined.diagnostics...)

	now := r.clock.Now()
	globalName := fmt.Sprintf("global_model_%d%s", now.Unix(), UpdateExtension)
	result.Global = filepath.Join(r.config.ModelsDir, globalName)
	if err := graph.Save(result.Global, combined.graph, r.config.Compression); err != nil {
		return fmt.Errorf("writing global model: %w", err)
	}

	if liveExists {
		stem := strings.TrimSuffix(filepath.Base(r.config.LiveModel), filepath.Ext(r.config.LiveModel))
		result.Archived = filepath.Join(filepath.Dir(r.config.LiveModel),
			fmt.Sprintf("%s_old_%d%s", stem, now.Unix(), UpdateExtension))
		if err := graph.CopyFile(r.config.LiveModel, result.Archived); err != nil {
			return fmt.Errorf("archiving live model: %w", err)
		}
	}
	if err := graph.CopyFile(result.Global, r.config.LiveModel); err != nil {
		return fmt.Errorf("installing live model: %w", err)
	}

	info, err := os.Stat(result.Global)
	if err != nil {
		return err
	}
	result.Manifest = &Manifest{
		Name:      strings.TrimSuffix(filepath.Base(r.config.LiveModel), filepath.Ext(r.config.LiveModel)),
		Version:   version.ModelVersion(now),
		Model:     globalName,
		Size:      info.Size(),
		Digest:    combined.digest.String(),
		Updates:   len(updates),
		UpdatedAt: now.Unix(),
	}
	if err := WriteManifest(filepath.Join(r.config.ModelsDir, ManifestName), result.Manifest); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// pending lists update files in name order. Sealed updates are only
// listed when identities are configured.
func (r *Runner) pending() ([]string, error) {
	entries, err := os.ReadDir(r.config.PendingDir)
	if err != nil {
		return nil, fmt.Errorf("reading pending directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		switch {
		case strings.HasSuffix(name, UpdateExtension):
		case strings.HasSuffix(name, UpdateExtension+sealed.Extension):
			if len(r.config.Identities) == 0 {
				r.logger.Debug("sealed update left pending, no identity configured", "name", name)
				continue
			}
		default:
			continue
		}
		paths = append(paths, filepath.Join(r.config.PendingDir, name))
	}
	slices.Sort(paths)
	return paths, nil
}

func (r *Runner) load(path string) (*graph.Graph, error) {
	if !strings.HasSuffix(path, sealed.Extension) {
		return graph.Load(path)
	}
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plaintext, err := sealed.Open(ciphertext, r.config.Identities)
	if err != nil {
		return nil, err
	}
	return graph.Decode(plaintext)
}

func (r *Runner) reject(path string) error {
	directory := filepath.Join(r.config.PendingDir, rejectedDir)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("creating rejected directory: %w", err)
	}
	if err := os.Rename(path, filepath.Join(directory, filepath.Base(path))); err != nil {
		return fmt.Errorf("rejecting %s: %w", path, err)
	}
	return nil
}

// Watch runs a round every Interval until ctx is done. Round failures
// are logged and do not stop the loop.
func (r *Runner) Watch(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.config.Interval)
	defer ticker.Stop()
	r.logger.Info("watching for updates", "pending_dir", r.config.PendingDir, "interval", r.config.Interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		result, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrBusy):
			r.logger.Info("round skipped, another round is in progress")
		case err != nil && ctx.Err() == nil:
			r.logger.Error("round failed", "error", err)
		}
		if r.config.OnRound != nil {
			r.config.OnRound(result, err)
		}
	}
}
