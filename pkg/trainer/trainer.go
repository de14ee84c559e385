// Package trainer holds the data plumbing a training loop needs on top of a
// binarized split: batch samplers built from the configuration, a
// prefetching loader that collates records, and the work directory payload.
package trainer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"svs-binarizer/pkg/config"
	"svs-binarizer/pkg/sampler"
	"svs-binarizer/pkg/storage"
)

// NewTrainSampler builds the sampler of one training replica.
func NewTrainSampler(cfg *config.Config, lengths []int, replicas, rank int) (*sampler.BatchSampler, error) {
	return sampler.New(lengths, sampler.Options{
		MaxBatchFrames:             cfg.Batching.MaxBatchFrames,
		MaxBatchSize:               cfg.Batching.MaxBatchSize,
		NumReplicas:                replicas,
		Rank:                       rank,
		RequiredBatchCountMultiple: cfg.Batching.AccumulateGradBatches,
		SortBySimilarSize:          cfg.Batching.SortByLen,
		FrameCountGrid:             cfg.Batching.FrameCountGrid,
		ShuffleSample:              true,
		Seed:                       cfg.Seed,
	})
}

// NewValidSampler builds the validation sampler. Every validation item is
// its own batch so metrics are exact per item.
func NewValidSampler(cfg *config.Config, lengths []int, rank int) (*sampler.EvalBatchSampler, error) {
	frames, size := cfg.Batching.ValidationBudget()
	return sampler.NewEval(lengths, sampler.EvalOptions{
		MaxBatchFrames: frames,
		MaxBatchSize:   size,
		Rank:           rank,
	})
}

// Split is a finalized split opened for reading.
type Split struct {
	Name    string
	Lengths []int
	*storage.IndexedDataset
}

func OpenSplit(binaryDataDir, name string) (*Split, error) {
	lengths, err := storage.ReadLengths(binaryDataDir, name)
	if err != nil {
		return nil, err
	}
	ds, err := storage.OpenIndexedDataset(binaryDataDir, name)
	if err != nil {
		return nil, err
	}
	if ds.Len() != len(lengths) {
		ds.Close()
		return nil, fmt.Errorf("split %s has %d records but %d lengths", name, ds.Len(), len(lengths))
	}
	return &Split{Name: name, Lengths: lengths, IndexedDataset: ds}, nil
}

// CopyPayload copies the speaker map and the dictionary of a binarized
// dataset into the work directory. Files already present are kept. The
// configured dictionary is used when the binary directory has none.
func CopyPayload(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	spkMap := filepath.Join(cfg.WorkDir, storage.SpeakerMapFile)
	spkMapSrc := filepath.Join(cfg.BinaryDataDir, storage.SpeakerMapFile)
	if !exists(spkMap) && exists(spkMapSrc) {
		if err := storage.CopyFile(spkMapSrc, spkMap); err != nil {
			return err
		}
		slog.Info("| copied spk map", "path", spkMap)
	}

	dict := filepath.Join(cfg.WorkDir, storage.DictionaryFile)
	if !exists(dict) {
		src := filepath.Join(cfg.BinaryDataDir, storage.DictionaryFile)
		if !exists(src) {
			src = cfg.Dictionary
		}
		if err := storage.CopyFile(src, dict); err != nil {
			return err
		}
		slog.Info("| copied dictionary", "path", dict)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
