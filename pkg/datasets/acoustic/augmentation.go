package acoustic

import (
	"fmt"
	"math"
	"math/rand"

	"svs-binarizer/pkg/models"
)

const (
	KindPitchShift  = "pitch_shift"
	KindTimeStretch = "time_stretch"
)

// ArrangeDataAugmentation draws, with replacement, scale*len(items) items for
// each enabled augmentation. Drawing is seeded so plans are reproducible.
func (d *Dataset) ArrangeDataAugmentation(items []models.Item) (map[string][]models.AugmentationTask, error) {
	augMap := make(map[string][]models.AugmentationTask)
	if len(items) == 0 {
		return augMap, nil
	}
	rng := rand.New(rand.NewSource(d.cfg.Seed))
	aug := d.cfg.Augmentation

	choose := func(scale float64) []models.Item {
		k := int(scale * float64(len(items)))
		out := make([]models.Item, k)
		for i := range out {
			out[i] = items[rng.Intn(len(items))]
		}
		return out
	}
	add := func(name string, task models.AugmentationTask) {
		augMap[name] = append(augMap[name], task)
	}

	if aug.RandomPitchShifting.Enabled {
		lo, hi := aug.RandomPitchShifting.Range[0], aug.RandomPitchShifting.Range[1]
		for _, item := range choose(aug.RandomPitchShifting.Scale) {
			r := rng.Float64()*2 - 1
			shift := hi * r
			if r < 0 {
				shift = lo * -r
			}
			add(item.Name, PitchShiftTask(shift, -1))
		}
	}

	if aug.FixedPitchShifting.Enabled {
		size := speakerIDSize(d.cfg)
		for i, target := range aug.FixedPitchShifting.Targets {
			for _, item := range choose(aug.FixedPitchShifting.Scale) {
				meta, ok := item.Meta.(*Metadata)
				if !ok {
					return nil, fmt.Errorf("unexpected metadata type %T", item.Meta)
				}
				add(item.Name, PitchShiftTask(target, meta.SpkID+(i+1)*size))
			}
		}
	}

	if aug.RandomTimeStretching.Enabled {
		lo, hi := aug.RandomTimeStretching.Range[0], aug.RandomTimeStretching.Range[1]
		for _, item := range choose(aug.RandomTimeStretching.Scale) {
			var speed float64
			if aug.RandomTimeStretching.Domain == "log" {
				speed = lo * math.Pow(hi/lo, rng.Float64())
			} else {
				r := rng.Float64()*2 - 1
				if r >= 0 {
					speed = 1 + (hi-1)*r
				} else {
					speed = 1 + (1-lo)*r
				}
			}
			add(item.Name, TimeStretchTask(speed))
		}
	}

	return augMap, nil
}

// PitchShiftTask transposes f0 by keyShift semitones. A non-negative
// replaceSpkID assigns the derived record to a virtual speaker.
func PitchShiftTask(keyShift float64, replaceSpkID int) models.AugmentationTask {
	return models.AugmentationTask{
		Kind: KindPitchShift,
		Apply: func(base *models.Record) (*models.Record, error) {
			rec := base.Clone()
			f0, ok := rec.Features[FeatF0]
			if !ok {
				return nil, fmt.Errorf("record has no %s", FeatF0)
			}
			ratio := math.Pow(2, keyShift/12)
			for i := range f0.Floats {
				f0.Floats[i] *= ratio
			}
			rec.Features[FeatKeyShift] = models.ScalarFeature(keyShift)
			if replaceSpkID >= 0 {
				rec.Features[FeatSpkID] = models.IntFeature([]int64{int64(replaceSpkID)})
			}
			return rec, nil
		},
	}
}

// TimeStretchTask plays the record back speed times faster.
func TimeStretchTask(speed float64) models.AugmentationTask {
	return models.AugmentationTask{
		Kind: KindTimeStretch,
		Apply: func(base *models.Record) (*models.Record, error) {
			if speed <= 0 {
				return nil, fmt.Errorf("invalid speed %f", speed)
			}
			rec := base.Clone()
			length := int(math.Round(float64(base.Length) / speed))
			if length < 1 {
				length = 1
			}
			rec.Length = length
			rec.Seconds = base.Seconds / speed

			for _, key := range []string{FeatMel2Ph, FeatUV} {
				if f, ok := rec.Features[key]; ok {
					rec.Features[key] = models.IntFeature(resampleNearest(f.Ints, length))
				}
			}
			if f, ok := rec.Features[FeatF0]; ok {
				rec.Features[FeatF0] = models.FloatFeature(resampleLinear(f.Floats, length))
			}
			if tokens, ok := rec.Features[FeatTokens]; ok {
				mel2ph := rec.Features[FeatMel2Ph].Ints
				rec.Features[FeatPhDur] = models.IntFeature(Mel2PhToDur(mel2ph, tokens.Len()))
			}
			rec.Features[FeatSpeed] = models.ScalarFeature(speed)
			return rec, nil
		},
	}
}

func resampleNearest(src []int64, n int) []int64 {
	out := make([]int64, n)
	if len(src) == 0 {
		return out
	}
	scale := float64(len(src)) / float64(n)
	for i := range out {
		j := int(float64(i) * scale)
		if j >= len(src) {
			j = len(src) - 1
		}
		out[i] = src[j]
	}
	return out
}

func resampleLinear(src []float64, n int) []float64 {
	out := make([]float64, n)
	if len(src) == 0 {
		return out
	}
	if len(src) == 1 || n == 1 {
		for i := range out {
			out[i] = src[0]
		}
		return out
	}
	scale := float64(len(src)-1) / float64(n-1)
	for i := range out {
		x := float64(i) * scale
		j := int(x)
		if j >= len(src)-1 {
			out[i] = src[len(src)-1]
			continue
		}
		w := x - float64(j)
		out[i] = src[j]*(1-w) + src[j+1]*w
	}
	return out
}
