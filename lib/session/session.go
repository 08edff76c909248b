// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chithram/fedsync/lib/bundle"
	"github.com/chithram/fedsync/lib/compress"
	"github.com/chithram/fedsync/lib/contrastive"
	"github.com/chithram/fedsync/lib/facestore"
	"github.com/chithram/fedsync/lib/freeze"
	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/inject"
	"github.com/chithram/fedsync/lib/match"
	"github.com/chithram/fedsync/lib/paramname"
	"github.com/chithram/fedsync/lib/progress"
	"github.com/chithram/fedsync/lib/trainable"
	"github.com/chithram/fedsync/lib/trainable/loomnet"
	"github.com/chithram/fedsync/lib/views"
)

var (
	// ErrMissingDependency means the input graph cannot be read.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrNoData means the record store is missing or holds no record
	// with a bounding box.
	ErrNoData = errors.New("no usable training data")

	// ErrAllConsumed means records exist but fewer than two are still
	// untrained.
	ErrAllConsumed = errors.New("all training data already consumed")
)

// Status is how a session ended.
type Status int

const (
	// Trained means the output graph carries trained parameters.
	Trained Status = iota

	// FellBack means the output graph is a byte copy of the input.
	FellBack
)

func (s Status) String() string {
	switch s {
	case Trained:
		return "trained"
	case FellBack:
		return "fell_back"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// SampleSource turns face records into paired training views.
type SampleSource interface {
	Sample(id int64, imagePath, box string) (sample contrastive.Sample, degraded bool)
	ViewShape() []int
}

// Store is the record store a session selects from and marks.
// *facestore.Store implements it.
type Store interface {
	CountEligible(ctx context.Context) (int, error)
	SelectUntrained(ctx context.Context, limit int) ([]facestore.Record, error)
	MarkTrained(ctx context.Context, ids []int64) (confirmed int, err error)
	Close() error
}

// Config configures a session. Zero values take the defaults noted on
// each field.
type Config struct {
	InputPath  string
	OutputPath string
	StorePath  string
	CacheDir   string

	// RecordLimit caps the records selected per session
	// (facestore.DefaultLimit).
	RecordLimit int

	// BusyTimeout bounds waits on the record store's locks.
	BusyTimeout time.Duration

	// Normalizer defaults to paramname.Default when it has no rules.
	Normalizer paramname.Normalizer

	// Freeze defaults to freeze.DefaultGroups when Groups is nil. An
	// empty non-nil slice freezes nothing.
	Freeze freeze.Policy

	// Training defaults to contrastive.DefaultConfig when BatchSize is
	// zero, keeping Seed and Logger.
	Training contrastive.Config

	// ImageSize is the view edge length used by the default source.
	ImageSize int

	// MinMatches is the injection count below which a diagnostic is
	// reported (inject.DefaultMinMatches).
	MinMatches int

	Compression compress.Tag

	// Converter defaults to the loom-backed converter.
	Converter trainable.Converter

	// Samples defaults to a views.Source over CacheDir.
	Samples SampleSource

	// OpenStore opens the record store at StorePath. It defaults to
	// facestore.Open.
	OpenStore func(facestore.Config) (Store, error)

	Reporter *progress.Reporter
	Logger   *slog.Logger
}

// Outcome describes a finished session.
type Outcome struct {
	Status Status

	// Cause is the failure that triggered a fallback.
	Cause error

	Selected  int
	Degraded  int
	Frozen    int
	Trainable int
	Batches   int
	MeanLoss  float64

	Updated     int
	Diagnostics []string

	// Marked is how many selected records read back as trained.
	Marked int

	// MarkError is set when marking failed outright. The output graph
	// is still valid.
	MarkError error
}

// Session is one training run.
type Session struct {
	config   Config
	reporter *progress.Reporter
	logger   *slog.Logger
}

// New returns a session for config.
func New(config Config) *Session {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Converter == nil {
		config.Converter = loomnet.Converter{}
	}
	if config.Normalizer.Prefixes == nil && config.Normalizer.WrapperMarkers == nil && config.Normalizer.Suffixes == nil {
		config.Normalizer = paramname.Default()
	}
	if config.Freeze.Groups == nil {
		config.Freeze.Groups = freeze.DefaultGroups
	}
	if config.RecordLimit <= 0 {
		config.RecordLimit = facestore.DefaultLimit
	}
	if config.MinMatches <= 0 {
		config.MinMatches = inject.DefaultMinMatches
	}
	if config.Training.BatchSize == 0 {
		seed, logger := config.Training.Seed, config.Training.Logger
		config.Training = contrastive.DefaultConfig()
		config.Training.Seed, config.Training.Logger = seed, logger
	}
	if config.Training.Logger == nil {
		config.Training.Logger = config.Logger
	}
	if config.Samples == nil {
		config.Samples = views.NewSource(config.CacheDir, config.ImageSize, config.Training.Seed, config.Logger)
	}
	if config.OpenStore == nil {
		config.OpenStore = openFaceStore
	}
	return &Session{config: config, reporter: config.Reporter, logger: config.Logger}
}

func openFaceStore(cfg facestore.Config) (Store, error) {
	store, err := facestore.Open(cfg)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Run executes the session. Setup failures return one of the sentinel
// errors and leave the output path untouched. A fallback is not an
// error: it returns an Outcome with Status FellBack.
func (s *Session) Run(ctx context.Context) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	canonical, err := graph.Load(s.config.InputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingDependency, err)
	}

	store, err := s.config.OpenStore(facestore.Config{
		Path:        s.config.StorePath,
		BusyTimeout: s.config.BusyTimeout,
		Logger:      s.logger,
	})
	if err != nil {
		if errors.Is(err, facestore.ErrNotFound) {
			s.reporter.Status("ERROR-Database file not found at %s", s.config.StorePath)
		} else {
			s.reporter.Status("ERROR-Database unreadable: %v", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoData, err)
	}
	defer store.Close()

	records, err := s.selectRecords(ctx, store)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Selected: len(records)}
	trained, err := s.train(ctx, canonical, records, outcome)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return s.fallBack(outcome, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.config.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	if err := graph.Save(s.config.OutputPath, trained, s.config.Compression); err != nil {
		return nil, fmt.Errorf("writing output graph: %w", err)
	}
	s.logger.Info("output graph written", "path", s.config.OutputPath, "updated", outcome.Updated)

	s.mark(ctx, store, records, outcome)
	outcome.Status = Trained
	return outcome, nil
}

func (s *Session) selectRecords(ctx context.Context, store Store) ([]facestore.Record, error) {
	total, err := store.CountEligible(ctx)
	if err != nil {
		return nil, s.unreadable(ctx, err)
	}
	records, err := store.SelectUntrained(ctx, s.config.RecordLimit)
	if err != nil {
		return nil, s.unreadable(ctx, err)
	}
	if len(records) < 2 {
		if total == 0 {
			s.reporter.Status("ERROR-No faces with bounding boxes found")
			return nil, ErrNoData
		}
		s.reporter.Status("ERROR-All %d faces have already been used for training", total)
		return nil, fmt.Errorf("%w: %d eligible, %d untrained", ErrAllConsumed, total, len(records))
	}
	s.reporter.Status("Selected %d faces for training. ID Range: %d to %d",
		len(records), records[0].ID, records[len(records)-1].ID)
	s.logger.Info("training records selected", "selected", len(records), "eligible", total)
	return records, nil
}

// unreadable classifies a record store read failure. Anything but
// cancellation means the store holds no usable data.
func (s *Session) unreadable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.reporter.Status("ERROR-Database unreadable: %v", err)
	return fmt.Errorf("%w: %v", ErrNoData, err)
}

// train runs conversion, training and injection. Any error it returns
// leads to a fallback.
func (s *Session) train(ctx context.Context, canonical *graph.Graph, records []facestore.Record, outcome *Outcome) (*graph.Graph, error) {
	model, err := s.config.Converter.Convert(canonical)
	if err != nil {
		return nil, fmt.Errorf("converting graph: %w", err)
	}

	summary := freeze.Apply(s.config.Freeze, model.Parameters())
	outcome.Frozen, outcome.Trainable = summary.Frozen, summary.Trainable
	s.reporter.Status("Layer Protection Active. Frozen: %d, Trainable: %d", summary.Frozen, summary.Trainable)

	samples := make([]contrastive.Sample, 0, len(records))
	for _, record := range records {
		sample, degraded := s.config.Samples.Sample(record.ID, record.ImagePath, record.Box)
		if degraded {
			outcome.Degraded++
		}
		samples = append(samples, sample)
	}
	if outcome.Degraded > 0 {
		s.logger.Warn("some records produced degraded views", "degraded", outcome.Degraded, "records", len(records))
	}

	training := s.config.Training
	training.OnBatch = s.reporter.Progress
	trainer := contrastive.New(model, training)
	epochs := max(training.Epochs, 1)
	for epoch := 1; epoch <= epochs; epoch++ {
		losses, err := trainer.RunEpoch(ctx, samples, s.config.Samples.ViewShape())
		if err != nil {
			return nil, fmt.Errorf("training epoch %d: %w", epoch, err)
		}
		var sum float64
		for _, loss := range losses {
			sum += loss
		}
		mean := sum / float64(max(len(losses), 1))
		outcome.Batches += len(losses)
		outcome.MeanLoss = mean
		s.reporter.Status("Epoch [%d/%d] complete. Average Loss: %.4f", epoch, epochs, mean)
	}

	state, err := trainable.State(s.config.InputPath, model)
	if err != nil {
		return nil, fmt.Errorf("exporting trained parameters: %w", err)
	}
	return s.inject(canonical, state, outcome)
}

func (s *Session) inject(canonical *graph.Graph, state *bundle.Bundle, outcome *Outcome) (*graph.Graph, error) {
	injector := &inject.Injector{
		Matcher:    match.New(s.config.Normalizer),
		MinMatches: s.config.MinMatches,
		Logger:     s.logger,
	}
	result, err := injector.Inject(canonical, state)
	if err != nil {
		return nil, fmt.Errorf("injecting trained parameters: %w", err)
	}
	outcome.Updated = result.Updated
	outcome.Diagnostics = result.Diagnostics
	if result.LowMatchCount {
		s.reporter.Status("WARNING-Low match count: %d trained parameter sets matched (floor %d)",
			result.Updated, s.config.MinMatches)
	}
	if result.Updated == 0 {
		return nil, errors.New("no trained parameter matched the canonical graph")
	}
	s.reporter.Status("Successfully injected %d trained parameter sets", result.Updated)
	return result.Graph, nil
}

func (s *Session) fallBack(outcome *Outcome, cause error) (*Outcome, error) {
	s.logger.Error("training failed, copying input graph unchanged", "error", cause)
	s.reporter.Status("WARNING-Training failed, keeping the original model: %v", cause)

	if err := os.MkdirAll(filepath.Dir(s.config.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	same, err := samePath(s.config.InputPath, s.config.OutputPath)
	if err != nil {
		return nil, err
	}
	if !same {
		if err := graph.CopyFile(s.config.InputPath, s.config.OutputPath); err != nil {
			return nil, fmt.Errorf("fallback copy after %v: %w", cause, err)
		}
	}
	outcome.Status = FellBack
	outcome.Cause = cause
	return outcome, nil
}

// mark records the selected records as trained and verifies the
// marks. Failures are reported, never returned: the output graph is
// already written.
func (s *Session) mark(ctx context.Context, store Store, records []facestore.Record, outcome *Outcome) {
	ids := make([]int64, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	confirmed, err := store.MarkTrained(ctx, ids)
	if err != nil {
		outcome.MarkError = err
		s.logger.Error("marking records trained failed", "records", len(ids), "error", err)
		s.reporter.Status("CRITICAL-Database Lock/Error: %v", err)
		return
	}
	outcome.Marked = confirmed
	if confirmed < len(ids) {
		s.logger.Error("trained marks did not persist", "confirmed", confirmed, "records", len(ids))
		s.reporter.Status("WARNING-Persistence Failure: only %d/%d faces recorded as trained", confirmed, len(ids))
		return
	}
	s.reporter.Status("Database Update Verified: %d/%d faces recorded as trained.", confirmed, len(ids))
}

func samePath(a, b string) (bool, error) {
	first, err := os.Stat(a)
	if err != nil {
		return false, fmt.Errorf("fallback: %w", err)
	}
	second, err := os.Stat(b)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fallback: %w", err)
	}
	return os.SameFile(first, second), nil
}
