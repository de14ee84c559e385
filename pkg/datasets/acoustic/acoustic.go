// Package acoustic implements the dataset used to train the acoustic model:
// each raw data directory holds a transcriptions.csv with phoneme sequences
// and durations, and a wavs/ directory with the recordings.
package acoustic

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"svs-binarizer/pkg/config"
	"svs-binarizer/pkg/dataset"
	"svs-binarizer/pkg/models"
	"svs-binarizer/pkg/vocab"
)

const TranscriptionsFile = "transcriptions.csv"

// Feature keys written into every record.
const (
	FeatTokens   = "tokens"
	FeatPhDur    = "ph_dur"
	FeatMel2Ph   = "mel2ph"
	FeatF0       = "f0"
	FeatUV       = "uv"
	FeatSpkID    = "spk_id"
	FeatKeyShift = "key_shift"
	FeatSpeed    = "speed"
)

// Metadata is the raw description of one utterance.
type Metadata struct {
	WavPath string
	PhSeq   []string
	PhDur   []float64
	SpkID   int
}

type Dataset struct {
	cfg   *config.Config
	vocab *vocab.Vocabulary
	pitch *PitchExtractor
}

var _ dataset.Dataset = (*Dataset)(nil)

func New(cfg *config.Config, v *vocab.Vocabulary) (*Dataset, error) {
	if err := validateAugmentation(cfg); err != nil {
		return nil, err
	}
	return &Dataset{
		cfg:   cfg,
		vocab: v,
		pitch: NewPitchExtractor(cfg.Audio),
	}, nil
}

func validateAugmentation(cfg *config.Config) error {
	aug := cfg.Augmentation
	if aug.RandomPitchShifting.Enabled {
		if !cfg.Model.UseKeyShiftEmbed {
			return fmt.Errorf("%w: random pitch shifting requires use_key_shift_embed", config.ErrInvalidConfig)
		}
		if len(aug.RandomPitchShifting.Range) != 2 {
			return fmt.Errorf("%w: random_pitch_shifting.range needs two values", config.ErrInvalidConfig)
		}
	}
	if aug.FixedPitchShifting.Enabled {
		if aug.RandomPitchShifting.Enabled {
			return fmt.Errorf("%w: fixed and random pitch shifting are mutually exclusive", config.ErrInvalidConfig)
		}
		need := (1 + len(aug.FixedPitchShifting.Targets)) * speakerIDSize(cfg)
		if need > cfg.NumSpk {
			return fmt.Errorf("%w: fixed pitch shifting needs num_spk >= %d", config.ErrInvalidConfig, need)
		}
	}
	if aug.RandomTimeStretching.Enabled {
		if !cfg.Model.UseSpeedEmbed {
			return fmt.Errorf("%w: random time stretching requires use_speed_embed", config.ErrInvalidConfig)
		}
		r := aug.RandomTimeStretching.Range
		if len(r) != 2 || r[0] <= 0 || r[0] > 1 || r[1] < 1 {
			return fmt.Errorf("%w: random_time_stretching.range must be [min<=1, max>=1]", config.ErrInvalidConfig)
		}
		switch aug.RandomTimeStretching.Domain {
		case "log", "linear":
		default:
			return fmt.Errorf("%w: random_time_stretching.domain must be 'log' or 'linear'", config.ErrInvalidConfig)
		}
	}
	return nil
}

// speakerIDSize is the number of distinct speaker ids before augmentation.
func speakerIDSize(cfg *config.Config) int {
	if cfg.UseSpkID {
		return len(cfg.RawDataDirs)
	}
	return 1
}

func (d *Dataset) LoadMetadata(ctx context.Context, rawDataDir string, dsID int) ([]models.Item, error) {
	f, err := os.Open(filepath.Join(rawDataDir, TranscriptionsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open transcriptions: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read transcriptions header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	for _, need := range []string{"name", "ph_seq", "ph_dur"} {
		if _, ok := cols[need]; !ok {
			return nil, fmt.Errorf("transcriptions in %s have no %q column", rawDataDir, need)
		}
	}

	spkID := 0
	if d.cfg.UseSpkID {
		spkID = dsID
	}

	var items []models.Item
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read transcriptions: %w", err)
		}

		name := row[cols["name"]]
		phSeq := strings.Fields(row[cols["ph_seq"]])
		phDur, err := parseDurations(row[cols["ph_dur"]])
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", name, err)
		}

		itemName := name
		if len(d.cfg.RawDataDirs) > 1 {
			itemName = fmt.Sprintf("%d:%s", dsID, name)
		}
		items = append(items, models.Item{
			Name: itemName,
			Meta: &Metadata{
				WavPath: filepath.Join(rawDataDir, "wavs", name+".wav"),
				PhSeq:   phSeq,
				PhDur:   phDur,
				SpkID:   spkID,
			},
		})
	}

	slog.Debug("loaded metadata", "dir", rawDataDir, "ds_id", dsID, "items", len(items))
	return items, nil
}

func parseDurations(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid phoneme duration %q", f)
		}
		if v < 0 {
			return nil, fmt.Errorf("negative phoneme duration %q", f)
		}
		out[i] = v
	}
	return out, nil
}

// ProcessItem decodes the recording, aligns phonemes to frames and extracts
// pitch. Missing recordings and fully unvoiced ones are skipped.
func (d *Dataset) ProcessItem(ctx context.Context, item models.Item) (*models.Record, error) {
	meta, ok := item.Meta.(*Metadata)
	if !ok {
		return nil, fmt.Errorf("unexpected metadata type %T", item.Meta)
	}
	if len(meta.PhSeq) != len(meta.PhDur) {
		return nil, fmt.Errorf("ph_seq has %d phonemes but ph_dur has %d durations", len(meta.PhSeq), len(meta.PhDur))
	}

	tokens, err := d.vocab.Encode(meta.PhSeq)
	if err != nil {
		return nil, err
	}

	samples, err := ReadWav(meta.WavPath, d.cfg.Audio.SampleRate)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("recording not found, skipping", "item", item.Name, "path", meta.WavPath)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	hop := d.cfg.Audio.HopSize
	length := (len(samples) + hop - 1) / hop
	if length == 0 {
		slog.Warn("empty recording, skipping", "item", item.Name)
		return nil, nil
	}

	mel2ph := DurationsToMel2Ph(meta.PhDur, d.cfg.Audio.Timestep(), length)
	f0, uv := d.pitch.Extract(samples, length)
	if f0 == nil {
		slog.Warn("recording is fully unvoiced, skipping", "item", item.Name)
		return nil, nil
	}

	rec := models.NewRecord(item.Name, length, float64(len(samples))/float64(d.cfg.Audio.SampleRate))
	rec.Features[FeatTokens] = models.IntFeature(tokens)
	rec.Features[FeatMel2Ph] = models.IntFeature(mel2ph)
	rec.Features[FeatPhDur] = models.IntFeature(Mel2PhToDur(mel2ph, len(tokens)))
	rec.Features[FeatF0] = models.FloatFeature(f0)
	rec.Features[FeatUV] = models.IntFeature(uv)
	rec.Features[FeatSpkID] = models.IntFeature([]int64{int64(meta.SpkID)})
	rec.Features[FeatKeyShift] = models.ScalarFeature(0)
	rec.Features[FeatSpeed] = models.ScalarFeature(1)
	return rec, nil
}

// DurationsToMel2Ph assigns every frame the 1-based index of the phoneme it
// belongs to. Frames past the last boundary belong to the last phoneme.
func DurationsToMel2Ph(durations []float64, timestep float64, length int) []int64 {
	mel2ph := make([]int64, length)
	if len(durations) == 0 {
		return mel2ph
	}
	var elapsed float64
	start := 0
	for ph, dur := range durations {
		elapsed += dur
		end := int(math.Round(elapsed / timestep))
		if end > length {
			end = length
		}
		for i := start; i < end; i++ {
			mel2ph[i] = int64(ph + 1)
		}
		if end > start {
			start = end
		}
	}
	for i := start; i < length; i++ {
		mel2ph[i] = int64(len(durations))
	}
	return mel2ph
}

// Mel2PhToDur counts the frames of each of numPh phonemes.
func Mel2PhToDur(mel2ph []int64, numPh int) []int64 {
	dur := make([]int64, numPh)
	for _, ph := range mel2ph {
		if ph > 0 && int(ph) <= numPh {
			dur[ph-1]++
		}
	}
	return dur
}
