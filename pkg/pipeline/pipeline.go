package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"svs-binarizer/pkg/dataset"
	"svs-binarizer/pkg/models"
	"svs-binarizer/pkg/progress"
	"svs-binarizer/pkg/storage"
)

// Output creates the per-split containers a run writes to.
type Output interface {
	NewBuilder(split string) (storage.Builder, error)
	WriteLengths(split string, lengths []int) error
}

// Manager drives an item processor over the items of one split and streams
// the results into the split's indexed dataset.
type Manager struct {
	processor dataset.ItemProcessor
	planner   dataset.AugmentationPlanner
	output    Output
	reporter  progress.Reporter
	runID     string
	chunkSize int
}

type Options struct {
	RunID     string
	ChunkSize int
	Reporter  progress.Reporter
}

func NewManager(processor dataset.ItemProcessor, planner dataset.AugmentationPlanner, output Output, opts Options) *Manager {
	if opts.Reporter == nil {
		opts.Reporter = progress.Nop{}
	}
	return &Manager{
		processor: processor,
		planner:   planner,
		output:    output,
		reporter:  opts.Reporter,
		runID:     opts.RunID,
		chunkSize: opts.ChunkSize,
	}
}

// Split names the items of one partition and how to process them.
type Split struct {
	Name              string
	Items             []models.Item
	NumWorkers        int
	ApplyAugmentation bool
}

// Summary is the outcome of one processed split.
type Summary struct {
	Split        string
	Items        int
	Skipped      int
	Records      int
	Lengths      []int
	RawSeconds   float64
	TotalSeconds float64
	Augmented    bool
	Elapsed      time.Duration
}

// Multiplier is the ratio between total and raw duration.
func (s *Summary) Multiplier() float64 {
	if s.RawSeconds == 0 {
		return 0
	}
	return s.TotalSeconds / s.RawSeconds
}

// ProcessDataset binarizes a split. Records are appended in item order with
// each item's augmentations directly after it. Any error abandons the split:
// the dataset is not finalized and no lengths file is written.
func (m *Manager) ProcessDataset(ctx context.Context, split Split) (*Summary, error) {
	started := time.Now()
	slog.Info("Pipeline Manager: processing split",
		"run_id", m.runID, "split", split.Name, "items", len(split.Items),
		"workers", split.NumWorkers, "augmentation", split.ApplyAugmentation)

	var augMap map[string][]models.AugmentationTask
	if split.ApplyAugmentation {
		var err error
		if augMap, err = m.planner.ArrangeDataAugmentation(split.Items); err != nil {
			return nil, fmt.Errorf("arranging augmentation for %s: %w", split.Name, err)
		}
	}

	builder, err := m.output.NewBuilder(split.Name)
	if err != nil {
		return nil, fmt.Errorf("creating builder for %s: %w", split.Name, err)
	}

	st := newCollector(m, split, builder, augMap)
	m.report(split.Name, "", models.StatusStarted, 0, len(split.Items), nil)

	fail := func(err error) (*Summary, error) {
		m.report(split.Name, "", models.StatusFailed, st.done, len(split.Items), err)
		return nil, err
	}

	pool := NewWorkerPool(split.NumWorkers, m.chunkSize, m.processItem)
	if err := pool.Run(ctx, split.Items, st.postprocess); err != nil {
		if abandonErr := builder.Abandon(); abandonErr != nil {
			slog.Warn("Pipeline Manager: failed to release builder", "split", split.Name, "error", abandonErr)
		}
		return fail(fmt.Errorf("binarizing %s: %w", split.Name, err))
	}

	if err := builder.Finalize(); err != nil {
		return fail(fmt.Errorf("finalizing %s: %w", split.Name, err))
	}
	if err := m.output.WriteLengths(split.Name, st.summary.Lengths); err != nil {
		return fail(fmt.Errorf("writing lengths for %s: %w", split.Name, err))
	}

	st.summary.Elapsed = time.Since(started)
	m.report(split.Name, "", models.StatusCompleted, st.done, len(split.Items), nil)
	logSummary(m.runID, st.summary)
	return st.summary, nil
}

func (m *Manager) processItem(ctx context.Context, item models.Item) (*models.Record, error) {
	rec, err := m.processor.ProcessItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("processing item %s: %w", item.Name, err)
	}
	return rec, nil
}

func (m *Manager) report(split, item string, status models.ProgressStatus, done, total int, err error) {
	ev := models.ProgressEvent{
		RunID:     m.runID,
		Split:     split,
		Item:      item,
		Status:    status,
		Done:      done,
		Total:     total,
		Timestamp: time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.reporter.Report(ev)
}

func logSummary(runID string, s *Summary) {
	if s.Augmented {
		slog.Info(fmt.Sprintf("| %s total duration (before augmentation): %.2fs", s.Split, s.RawSeconds), "run_id", runID)
		slog.Info(fmt.Sprintf("| %s total duration (after augmentation): %.2fs (%.2fx)", s.Split, s.TotalSeconds, s.Multiplier()),
			"run_id", runID, "records", s.Records, "skipped", s.Skipped, "elapsed", s.Elapsed)
		return
	}
	slog.Info(fmt.Sprintf("| %s total duration: %.2fs", s.Split, s.RawSeconds),
		"run_id", runID, "records", s.Records, "skipped", s.Skipped, "elapsed", s.Elapsed)
}
