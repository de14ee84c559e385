package binarizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"svs-binarizer/pkg/config"
	"svs-binarizer/pkg/dataset"
	"svs-binarizer/pkg/datasets/acoustic"
	"svs-binarizer/pkg/datasets/acoustic/acoustictest"
	"svs-binarizer/pkg/storage"
	"svs-binarizer/pkg/vocab"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRate = 16000

type fixture struct {
	cfg   *config.Config
	vocab *vocab.Vocabulary
}

// newFixture writes n items named item0..item<n-1> into one raw data
// directory. Every item covers the whole dictionary.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	root := t.TempDir()
	raw := filepath.Join(root, "raw")

	utts := make([]acoustictest.Utterance, n)
	for i := range utts {
		utts[i] = acoustictest.Utterance{
			Name:      fmt.Sprintf("item%d", i),
			Phonemes:  []string{"SP", "a", "n", "AP"},
			Durations: []float64{0.05, 0.1, 0.05 + 0.01*float64(i), 0.05},
			Hz:        200 + 10*float64(i),
		}
	}
	acoustictest.WriteDataset(t, raw, sampleRate, utts)

	dict := filepath.Join(root, "dict.txt")
	acoustictest.WriteDictionary(t, dict, "a", "n")
	v, err := vocab.Load(dict)
	require.NoError(t, err)

	cfg := &config.Config{
		RawDataDirs:   []string{raw},
		Speakers:      []string{"opencpop"},
		NumSpk:        4,
		BinaryDataDir: filepath.Join(root, "binary"),
		Dictionary:    dict,
		Seed:          1234,
		TestPrefixes:  []string{"item5"},
		Binarization:  config.BinarizationConfig{ChunkSize: 1},
		Audio: config.AudioConfig{
			SampleRate: sampleRate,
			HopSize:    160,
			F0Min:      80,
			F0Max:      800,
		},
		Batching: config.BatchingConfig{
			MaxBatchFrames:    1000,
			MaxBatchSize:      8,
			MaxValBatchFrames: 1000,
			MaxValBatchSize:   8,
			FrameCountGrid:    6,
		},
		Model: config.ModelConfig{
			F0EmbedType:      "continuous",
			UseKeyShiftEmbed: true,
			UseSpeedEmbed:    true,
		},
	}
	return &fixture{cfg: cfg, vocab: v}
}

func (f *fixture) run(t *testing.T) (*Binarizer, error) {
	t.Helper()
	ds, err := acoustic.New(f.cfg, f.vocab)
	require.NoError(t, err)
	b, err := New(context.Background(), f.cfg, ds, Options{})
	if err != nil {
		return nil, err
	}
	_, err = b.Process(context.Background())
	return b, err
}

func TestBinarizeEndToEnd(t *testing.T) {
	f := newFixture(t, 10)
	b, err := f.run(t)
	require.NoError(t, err)

	assert.Equal(t, []string{"item5"}, b.ValidItemNames())
	assert.Len(t, b.TrainItemNames(), 9)
	assert.NotContains(t, b.TrainItemNames(), "item5")

	trainLengths, err := storage.ReadLengths(f.cfg.BinaryDataDir, TrainSplit)
	require.NoError(t, err)
	assert.Len(t, trainLengths, 9)
	validLengths, err := storage.ReadLengths(f.cfg.BinaryDataDir, ValidSplit)
	require.NoError(t, err)
	require.Len(t, validLengths, 1)
	assert.Equal(t, 30, validLengths[0])

	ds, err := storage.OpenIndexedDataset(f.cfg.BinaryDataDir, ValidSplit)
	require.NoError(t, err)
	defer ds.Close()
	require.Equal(t, 1, ds.Len())
	rec, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "item5", rec.Name)
	assert.Equal(t, validLengths[0], rec.Length)

	spkMap, err := storage.ReadSpeakerMap(f.cfg.BinaryDataDir)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"opencpop": 0}, spkMap)

	want, err := os.ReadFile(f.cfg.Dictionary)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(f.cfg.BinaryDataDir, storage.DictionaryFile))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBinarizeIsDeterministic(t *testing.T) {
	f := newFixture(t, 6)
	f.cfg.Binarization.Shuffle = true
	f.cfg.Augmentation.RandomTimeStretching = config.RandomTimeStretchingConfig{
		Enabled: true, Range: []float64{0.5, 2}, Domain: "log", Scale: 1,
	}

	_, err := f.run(t)
	require.NoError(t, err)
	first, err := os.ReadFile(storage.LengthsPath(f.cfg.BinaryDataDir, TrainSplit))
	require.NoError(t, err)

	_, err = f.run(t)
	require.NoError(t, err)
	second, err := os.ReadFile(storage.LengthsPath(f.cfg.BinaryDataDir, TrainSplit))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBinarizeParallelMatchesSequential(t *testing.T) {
	f := newFixture(t, 8)
	f.cfg.Augmentation.RandomPitchShifting = config.RandomPitchShiftingConfig{
		Enabled: true, Range: []float64{-5, 5}, Scale: 1,
	}

	_, err := f.run(t)
	require.NoError(t, err)
	sequential, err := storage.ReadLengths(f.cfg.BinaryDataDir, TrainSplit)
	require.NoError(t, err)

	f.cfg.Binarization.NumWorkers = 3
	f.cfg.Binarization.ChunkSize = 2
	_, err = f.run(t)
	require.NoError(t, err)
	parallel, err := storage.ReadLengths(f.cfg.BinaryDataDir, TrainSplit)
	require.NoError(t, err)

	assert.Equal(t, sequential, parallel)
}

func TestBinarizeAugmentationFanOut(t *testing.T) {
	f := newFixture(t, 4)
	f.cfg.TestPrefixes = []string{"item0"}
	f.cfg.Augmentation.RandomPitchShifting = config.RandomPitchShiftingConfig{
		Enabled: true, Range: []float64{-5, 5}, Scale: 2,
	}

	ds, err := acoustic.New(f.cfg, f.vocab)
	require.NoError(t, err)
	b, err := New(context.Background(), f.cfg, ds, Options{})
	require.NoError(t, err)
	summaries, err := b.Process(context.Background())
	require.NoError(t, err)

	train := summaries[TrainSplit]
	assert.Equal(t, 3, train.Items)
	assert.True(t, train.Augmented)
	assert.Equal(t, 9, train.Records)
	assert.InDelta(t, 3.0, train.Multiplier(), 1e-9)

	valid := summaries[ValidSplit]
	assert.Equal(t, 1, valid.Records)
	assert.False(t, valid.Augmented)

	lengths, err := storage.ReadLengths(f.cfg.BinaryDataDir, TrainSplit)
	require.NoError(t, err)
	assert.Len(t, lengths, 9)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"duplicate speakers", func(c *config.Config) {
			c.RawDataDirs = append(c.RawDataDirs, c.RawDataDirs[0])
			c.Speakers = []string{"x", "x"}
		}},
		{"speaker count mismatch", func(c *config.Config) {
			c.UseSpkID = true
			c.Speakers = []string{"x", "y"}
		}},
		{"too many speakers", func(c *config.Config) {
			c.Speakers = []string{"a", "b", "c", "d", "e"}
		}},
		{"no raw data", func(c *config.Config) {
			c.RawDataDirs = nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2)
			tt.mutate(f.cfg)
			ds, err := acoustic.New(f.cfg, f.vocab)
			require.NoError(t, err)
			_, err = New(context.Background(), f.cfg, ds, Options{})
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestNewRejectsDuplicateItemNames(t *testing.T) {
	f := newFixture(t, 2)
	// Two dirs prefix names with their index, so duplicates only happen
	// when one directory lists an item twice.
	csv := filepath.Join(f.cfg.RawDataDirs[0], acoustic.TranscriptionsFile)
	data, err := os.ReadFile(csv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(csv, append(data, []byte("item0,a,0.1\n")...), 0o644))

	ds, err := acoustic.New(f.cfg, f.vocab)
	require.NoError(t, err)
	_, err = New(context.Background(), f.cfg, ds, Options{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestCoverageErrorStopsRun(t *testing.T) {
	f := newFixture(t, 3)
	acoustictest.WriteDictionary(t, f.cfg.Dictionary, "a", "n", "zz")
	v, err := vocab.Load(f.cfg.Dictionary)
	require.NoError(t, err)
	f.vocab = v

	_, err = f.run(t)
	require.Error(t, err)
	assert.True(t, dataset.IsBinarizationError(err))

	_, err = storage.ReadLengths(f.cfg.BinaryDataDir, TrainSplit)
	assert.Error(t, err)
	_, err = storage.ReadLengths(f.cfg.BinaryDataDir, ValidSplit)
	assert.Error(t, err)
}

func TestShuffleOnlyReordersTrain(t *testing.T) {
	f := newFixture(t, 10)
	ds, err := acoustic.New(f.cfg, f.vocab)
	require.NoError(t, err)

	b, err := New(context.Background(), f.cfg, ds, Options{})
	require.NoError(t, err)
	sorted := b.TrainItemNames()

	f.cfg.Binarization.Shuffle = true
	shuffled, err := New(context.Background(), f.cfg, ds, Options{})
	require.NoError(t, err)
	again, err := New(context.Background(), f.cfg, ds, Options{})
	require.NoError(t, err)

	assert.ElementsMatch(t, sorted, shuffled.TrainItemNames())
	assert.NotEqual(t, sorted, shuffled.TrainItemNames())
	assert.Equal(t, shuffled.TrainItemNames(), again.TrainItemNames())
	assert.Equal(t, b.ValidItemNames(), shuffled.ValidItemNames())
	assert.NotEqual(t, b.RunID(), shuffled.RunID())
}
