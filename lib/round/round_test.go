// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package round

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/chithram/fedsync/lib/clock"
	"github.com/chithram/fedsync/lib/compress"
	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/paramname"
	"github.com/chithram/fedsync/lib/sealed"
	"github.com/chithram/fedsync/lib/tensor"
	"github.com/chithram/fedsync/lib/testutil"
)

// participant returns a model whose weights are all value and whose
// batch counter is counter.
func participant(value float32, counter int64) *graph.Graph {
	weights := make([]float32, 8)
	for i := range weights {
		weights[i] = value
	}
	return &graph.Graph{
		Name:    "face",
		Inputs:  []graph.ValueInfo{{Name: "x", DType: tensor.Float32, Shape: []int{-1, 4}}},
		Outputs: []graph.ValueInfo{{Name: "y", DType: tensor.Float32}},
		Nodes: []graph.Node{{
			Name: "fc", OpType: "Gemm",
			Inputs:     []string{"x", "fc.weight", "fc.bias"},
			Outputs:    []string{"y"},
			Attributes: map[string]graph.Attribute{"transB": graph.IntAttribute(1)},
		}},
		Initializers: []*tensor.Tensor{
			tensor.FromFloat32("fc.weight", []int{2, 4}, weights),
			tensor.FromFloat32("fc.bias", []int{2}, []float32{value, -value}),
			tensor.FromInt64("bn.num_batches_tracked", nil, []int64{counter}),
		},
	}
}

func save(t *testing.T, path string, g *graph.Graph) {
	t.Helper()
	if err := graph.Save(path, g, compress.LZ4); err != nil {
		t.Fatalf("Save(%s): %v", path, err)
	}
}

func load(t *testing.T, path string) *graph.Graph {
	t.Helper()
	g, err := graph.Load(path)
	if err != nil {
		t.Fatalf("Load(%s): %v", path, err)
	}
	return g
}

func assertAveraged(t *testing.T, g *graph.Graph, weight float32, counter int64) {
	t.Helper()
	weights, err := g.Initializer("fc.weight").Float32s()
	if err != nil {
		t.Fatal(err)
	}
	for _, value := range weights {
		if value != weight {
			t.Fatalf("fc.weight = %v, want all %v", weights, weight)
		}
	}
	counters, err := g.Initializer("bn.num_batches_tracked").Int64s()
	if err != nil {
		t.Fatal(err)
	}
	if counters[0] != counter {
		t.Errorf("num_batches_tracked = %d, want %d", counters[0], counter)
	}
}

func TestAggregate(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.fsg")
	second := filepath.Join(dir, "b.fsg")
	save(t, first, participant(1, 3))
	save(t, second, participant(2, 4))

	output := filepath.Join(dir, "out", "global.fsg")
	summary, err := Aggregate(Aggregation{
		Inputs:     []string{first, second},
		Output:     output,
		Normalizer: paramname.Default(),
		MinMatches: 1,
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if summary.Inputs != 2 || summary.Parameters != 3 || summary.Updated != 3 {
		t.Errorf("summary = %+v", summary)
	}
	result := load(t, output)
	assertAveraged(t, result, 1.5, 3)

	digest, err := graph.Digest(result)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Digest != digest.String() {
		t.Errorf("summary digest %s, file digest %s", summary.Digest, digest)
	}
}

func TestAggregateErrors(t *testing.T) {
	if _, err := Aggregate(Aggregation{Output: "x"}); !errors.Is(err, ErrNoInputs) {
		t.Errorf("no inputs: %v, want ErrNoInputs", err)
	}

	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.fsg")
	if err := os.WriteFile(garbage, []byte("not a graph"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Aggregate(Aggregation{Inputs: []string{garbage}, Output: filepath.Join(dir, "out.fsg")})
	if !errors.Is(err, ErrLoad) {
		t.Errorf("garbage input: %v, want ErrLoad", err)
	}
	_, err = Aggregate(Aggregation{Inputs: []string{filepath.Join(dir, "absent.fsg")}, Output: filepath.Join(dir, "out.fsg")})
	if !errors.Is(err, ErrLoad) {
		t.Errorf("missing input: %v, want ErrLoad", err)
	}
}

type roundFixture struct {
	pending string
	models  string
	live    string
	clock   *clock.FakeClock
}

func newRoundFixture(t *testing.T) *roundFixture {
	t.Helper()
	dir := t.TempDir()
	return &roundFixture{
		pending: filepath.Join(dir, "pending"),
		models:  filepath.Join(dir, "models"),
		live:    filepath.Join(dir, "live", "face-detection.fsg"),
		clock:   clock.Fake(time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)),
	}
}

func (f *roundFixture) config() Config {
	return Config{
		PendingDir: f.pending,
		ModelsDir:  f.models,
		LiveModel:  f.live,
		Normalizer: paramname.Default(),
		MinMatches: 1,
		Clock:      f.clock,
	}
}

func TestRunOnceSkipsBelowMinimum(t *testing.T) {
	f := newRoundFixture(t)
	save(t, filepath.Join(f.pending, "update_1.fsg"), participant(1, 1))

	result, err := New(f.config()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !result.Skipped || result.Pending != 1 {
		t.Errorf("result = %+v, want skipped with 1 pending", result)
	}
	if _, err := os.Stat(filepath.Join(f.pending, "update_1.fsg")); err != nil {
		t.Errorf("pending update removed by a skipped round: %v", err)
	}
}

func TestRunOncePublishes(t *testing.T) {
	f := newRoundFixture(t)
	save(t, f.live, participant(0, 0))
	liveBefore, err := os.ReadFile(f.live)
	if err != nil {
		t.Fatal(err)
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	identities, err := sealed.ParseIdentities(keypair.IdentityFile())
	if err != nil {
		t.Fatal(err)
	}
	save(t, filepath.Join(f.pending, "update_1.fsg"), participant(2, 5))
	plain, err := graph.Encode(participant(4, 6), compress.None)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := sealed.Seal(plain, []string{keypair.PublicKey})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.pending, "update_2.fsg.age"), ciphertext, 0o644); err != nil {
		t.Fatal(err)
	}

	config := f.config()
	config.Identities = identities
	result, err := New(config).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Skipped {
		t.Fatalf("round skipped: %+v", result)
	}
	if !slices.Equal(result.Aggregated, []string{"update_1.fsg", "update_2.fsg.age"}) {
		t.Errorf("Aggregated = %v", result.Aggregated)
	}

	unix := f.clock.Now().Unix()
	wantGlobal := filepath.Join(f.models, "global_model_1778051289.fsg")
	if unix != 1778051289 || result.Global != wantGlobal {
		t.Errorf("Global = %s (now %d), want %s", result.Global, unix, wantGlobal)
	}
	assertAveraged(t, load(t, result.Global), 3, 5)
	assertAveraged(t, load(t, f.live), 3, 5)

	archived, err := os.ReadFile(result.Archived)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if !bytes.Equal(archived, liveBefore) {
		t.Error("archive differs from the previous live model")
	}
	if filepath.Base(result.Archived) != "face-detection_old_1778051289.fsg" {
		t.Errorf("Archived = %s", result.Archived)
	}

	manifest, err := ReadManifest(filepath.Join(f.models, ManifestName))
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	digest, err := graph.Digest(load(t, f.live))
	if err != nil {
		t.Fatal(err)
	}
	want := Manifest{
		Name:      "face-detection",
		Version:   "20260506070809",
		Model:     "global_model_1778051289.fsg",
		Size:      result.Manifest.Size,
		Digest:    digest.String(),
		Updates:   2,
		UpdatedAt: unix,
	}
	if *manifest != want {
		t.Errorf("manifest = %+v, want %+v", *manifest, want)
	}

	entries, err := os.ReadDir(f.pending)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if entry.Name() != lockName {
			t.Errorf("pending directory still holds %s", entry.Name())
		}
	}
}

func TestRunOnceWithoutLiveModel(t *testing.T) {
	f := newRoundFixture(t)
	save(t, filepath.Join(f.pending, "a.fsg"), participant(1, 2))
	save(t, filepath.Join(f.pending, "b.fsg"), participant(3, 2))

	result, err := New(f.config()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Archived != "" {
		t.Errorf("Archived = %q with no previous live model", result.Archived)
	}
	assertAveraged(t, load(t, f.live), 2, 2)
}

func TestRunOnceRejectsUnreadable(t *testing.T) {
	f := newRoundFixture(t)
	save(t, filepath.Join(f.pending, "a.fsg"), participant(1, 1))
	save(t, filepath.Join(f.pending, "c.fsg"), participant(3, 1))
	if err := os.WriteFile(filepath.Join(f.pending, "b.fsg"), []byte("truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := New(f.config()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !slices.Equal(result.Rejected, []string{"b.fsg"}) {
		t.Errorf("Rejected = %v, want [b.fsg]", result.Rejected)
	}
	if _, err := os.Stat(filepath.Join(f.pending, rejectedDir, "b.fsg")); err != nil {
		t.Errorf("rejected update not quarantined: %v", err)
	}
	assertAveraged(t, load(t, f.live), 2, 1)
}

func TestRunOnceLeavesSealedWithoutIdentity(t *testing.T) {
	f := newRoundFixture(t)
	save(t, filepath.Join(f.pending, "a.fsg"), participant(1, 1))
	if err := os.WriteFile(filepath.Join(f.pending, "b.fsg.age"), []byte("sealed"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := New(f.config()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !result.Skipped || result.Pending != 1 {
		t.Errorf("result = %+v, want skipped with 1 pending", result)
	}
}

func TestRunOnceBusy(t *testing.T) {
	f := newRoundFixture(t)
	if err := os.MkdirAll(f.pending, 0o755); err != nil {
		t.Fatal(err)
	}
	held, err := lockDir(filepath.Join(f.pending, lockName))
	if err != nil {
		t.Fatalf("lockDir: %v", err)
	}
	defer held.release()

	if _, err := New(f.config()).RunOnce(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("RunOnce = %v, want ErrBusy", err)
	}
}

func TestWatch(t *testing.T) {
	f := newRoundFixture(t)
	save(t, filepath.Join(f.pending, "a.fsg"), participant(1, 1))
	save(t, filepath.Join(f.pending, "b.fsg"), participant(5, 1))

	type outcome struct {
		result *Result
		err    error
	}
	rounds := make(chan outcome, 1)
	config := f.config()
	config.Interval = time.Minute
	config.OnRound = func(result *Result, err error) { rounds <- outcome{result, err} }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(config).Watch(ctx) }()

	f.clock.WaitForTimers(1)
	f.clock.Advance(time.Minute)
	got := testutil.RequireReceive(t, rounds, 10*time.Second, "waiting for the round")
	if got.err != nil {
		t.Fatalf("round: %v", got.err)
	}
	if got.result.Skipped {
		t.Fatalf("round skipped: %+v", got.result)
	}
	assertAveraged(t, load(t, f.live), 3, 1)

	cancel()
	if err := testutil.RequireReceive(t, done, 10*time.Second, "waiting for Watch to return"); !errors.Is(err, context.Canceled) {
		t.Errorf("Watch = %v, want context.Canceled", err)
	}
}
