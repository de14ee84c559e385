// Package binarizer turns raw datasets into indexed train and valid splits.
//
// A run loads the metadata of every configured raw data directory, splits
// the items into train and valid sets, writes the speaker map and the
// phoneme dictionary next to the binary data, checks the dataset coverage
// and then processes the valid split followed by the train split.
package binarizer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"svs-binarizer/pkg/config"
	"svs-binarizer/pkg/dataset"
	"svs-binarizer/pkg/models"
	"svs-binarizer/pkg/pipeline"
	"svs-binarizer/pkg/progress"
	"svs-binarizer/pkg/storage"
)

const (
	TrainSplit = "train"
	ValidSplit = "valid"
)

type Binarizer struct {
	cfg     *config.Config
	ds      dataset.Dataset
	manager *pipeline.Manager
	runID   string

	items      map[string]models.Item
	trainNames []string
	validNames []string
}

type Options struct {
	Reporter progress.Reporter
	// Output overrides the on-disk binary data directory.
	Output pipeline.Output
}

// New loads the metadata of every raw data directory and computes the
// train/valid split. Configuration errors are reported before any raw data
// is read.
func New(ctx context.Context, cfg *config.Config, ds dataset.Dataset, opts Options) (*Binarizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	output := opts.Output
	if output == nil {
		output = storage.Directory{Path: cfg.BinaryDataDir, Attrs: cfg.DataAttrs}
	}

	b := &Binarizer{
		cfg:   cfg,
		ds:    ds,
		runID: models.NewRunID(),
		items: make(map[string]models.Item),
	}
	b.manager = pipeline.NewManager(ds, ds, output, pipeline.Options{
		RunID:     b.runID,
		ChunkSize: cfg.Binarization.ChunkSize,
		Reporter:  opts.Reporter,
	})

	for dsID, dir := range cfg.RawDataDirs {
		items, err := ds.LoadMetadata(ctx, dir, dsID)
		if err != nil {
			return nil, fmt.Errorf("loading metadata from %s: %w", dir, err)
		}
		for _, item := range items {
			if _, dup := b.items[item.Name]; dup {
				return nil, fmt.Errorf("%w: duplicate item name %q in %s", config.ErrInvalidConfig, item.Name, dir)
			}
			b.items[item.Name] = item
		}
	}

	names := make([]string, 0, len(b.items))
	for name := range b.items {
		names = append(names, name)
	}
	sort.Strings(names)

	b.trainNames, b.validNames = dataset.SplitTrainValid(names, cfg.TestPrefixes)
	slog.Info("split dataset", "run_id", b.runID, "train", len(b.trainNames), "valid", len(b.validNames))

	if cfg.Binarization.Shuffle {
		rng := rand.New(rand.NewSource(cfg.Seed))
		rng.Shuffle(len(b.trainNames), func(i, j int) {
			b.trainNames[i], b.trainNames[j] = b.trainNames[j], b.trainNames[i]
		})
	}

	return b, nil
}

func (b *Binarizer) RunID() string { return b.runID }

func (b *Binarizer) TrainItemNames() []string { return append([]string(nil), b.trainNames...) }

func (b *Binarizer) ValidItemNames() []string { return append([]string(nil), b.validNames...) }

// Items returns the items of a split in processing order.
func (b *Binarizer) Items(split string) []models.Item {
	names := b.trainNames
	if split == ValidSplit {
		names = b.validNames
	}
	items := make([]models.Item, len(names))
	for i, n := range names {
		items[i] = b.items[n]
	}
	return items
}

// SpeakerMap assigns ids to speakers in configuration order.
func (b *Binarizer) SpeakerMap() map[string]int {
	spkMap := make(map[string]int, len(b.cfg.Speakers))
	for i, spk := range b.cfg.Speakers {
		spkMap[spk] = i
	}
	return spkMap
}

// Process writes the run metadata and binarizes both splits.
func (b *Binarizer) Process(ctx context.Context) (map[string]*pipeline.Summary, error) {
	if err := os.MkdirAll(b.cfg.BinaryDataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating binary data dir: %w", err)
	}

	spkMap := b.SpeakerMap()
	slog.Info("| spk_map", "run_id", b.runID, "spk_map", spkMap)
	if err := storage.WriteSpeakerMap(b.cfg.BinaryDataDir, spkMap); err != nil {
		return nil, err
	}
	if err := storage.CopyFile(b.cfg.Dictionary, filepath.Join(b.cfg.BinaryDataDir, storage.DictionaryFile)); err != nil {
		return nil, fmt.Errorf("copying dictionary: %w", err)
	}

	all := make([]models.Item, 0, len(b.items))
	all = append(all, b.Items(ValidSplit)...)
	all = append(all, b.Items(TrainSplit)...)
	if err := b.ds.CheckCoverage(all); err != nil {
		return nil, err
	}

	summaries := make(map[string]*pipeline.Summary, 2)

	valid, err := b.manager.ProcessDataset(ctx, pipeline.Split{
		Name:  ValidSplit,
		Items: b.Items(ValidSplit),
	})
	if err != nil {
		return nil, err
	}
	summaries[ValidSplit] = valid

	train, err := b.manager.ProcessDataset(ctx, pipeline.Split{
		Name:              TrainSplit,
		Items:             b.Items(TrainSplit),
		NumWorkers:        b.cfg.Binarization.NumWorkers,
		ApplyAugmentation: b.cfg.Augmentation.Enabled(),
	})
	if err != nil {
		return nil, err
	}
	summaries[TrainSplit] = train

	return summaries, nil
}
