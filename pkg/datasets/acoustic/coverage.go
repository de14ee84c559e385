package acoustic

import (
	"fmt"
	"log/slog"
	"sort"

	"svs-binarizer/pkg/dataset"
	"svs-binarizer/pkg/models"
)

// CheckCoverage requires every phoneme of the dictionary to occur in the
// dataset and every phoneme of the dataset to exist in the dictionary.
func (d *Dataset) CheckCoverage(items []models.Item) error {
	counts := make(map[string]int)
	for _, ph := range d.vocab.Phonemes() {
		counts[ph] = 0
	}

	unknown := make(map[string][]string)
	for _, item := range items {
		meta, ok := item.Meta.(*Metadata)
		if !ok {
			return fmt.Errorf("unexpected metadata type %T", item.Meta)
		}
		for _, ph := range meta.PhSeq {
			if !d.vocab.Contains(ph) {
				unknown[ph] = append(unknown[ph], item.Name)
				continue
			}
			counts[ph]++
		}
	}

	if len(unknown) > 0 {
		phones := sortedKeys(unknown)
		return dataset.NewBinarizationError("unrecognizable phonemes %v found in items, first in %s",
			phones, unknown[phones[0]][0])
	}

	var missing []string
	for ph, n := range counts {
		if n == 0 {
			missing = append(missing, ph)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return dataset.NewBinarizationError("the following phonemes are not covered in transcriptions: %v", missing)
	}

	slog.Info("| phoneme coverage ok", "phonemes", len(counts), "items", len(items))
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
