package binarizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"svs-binarizer/pkg/config"
	"svs-binarizer/pkg/dataset"
	"svs-binarizer/pkg/pipeline"
	"svs-binarizer/pkg/progress"
)

// ErrRunInProgress is returned by Runner.Start while a run is active.
var ErrRunInProgress = errors.New("a binarization run is already in progress")

// DatasetFactory builds the dataset of a new run.
type DatasetFactory func() (dataset.Dataset, error)

// Runner starts binarization runs in the background, one at a time.
type Runner struct {
	base       context.Context
	cfg        *config.Config
	newDataset DatasetFactory
	reporter   progress.Reporter

	mu      sync.Mutex
	running string
	lastErr error
	wg      sync.WaitGroup
}

// NewRunner returns a runner whose runs stop when base is cancelled.
func NewRunner(base context.Context, cfg *config.Config, newDataset DatasetFactory, reporter progress.Reporter) *Runner {
	return &Runner{base: base, cfg: cfg, newDataset: newDataset, reporter: reporter}
}

// Start loads the metadata of a new run using ctx and processes it in the
// background. It returns the run id.
func (r *Runner) Start(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != "" {
		return "", ErrRunInProgress
	}

	ds, err := r.newDataset()
	if err != nil {
		return "", err
	}
	b, err := New(ctx, r.cfg, ds, Options{Reporter: r.reporter})
	if err != nil {
		return "", err
	}

	runID := b.RunID()
	r.running = runID
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		start := time.Now()
		summaries, err := b.Process(r.base)
		if err != nil {
			slog.Error("binarization run failed", "run_id", runID, "error", err)
		} else {
			LogSummaries(runID, summaries, time.Since(start))
		}

		r.mu.Lock()
		r.running = ""
		r.lastErr = err
		r.mu.Unlock()
	}()
	return runID, nil
}

// Running returns the id of the active run, or "".
func (r *Runner) Running() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Wait blocks until the active run ends and returns its error.
func (r *Runner) Wait() error {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// LogSummaries prints the record counts of a finished run.
func LogSummaries(runID string, summaries map[string]*pipeline.Summary, elapsed time.Duration) {
	args := []any{"run_id", runID}
	for _, split := range []string{ValidSplit, TrainSplit} {
		if s, ok := summaries[split]; ok {
			args = append(args, split+"_records", s.Records, split+"_skipped", s.Skipped)
		}
	}
	args = append(args, "elapsed", elapsed.Round(time.Millisecond))
	slog.Info("binarization finished", args...)
}
