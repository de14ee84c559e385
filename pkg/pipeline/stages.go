package pipeline

import (
	"fmt"

	"svs-binarizer/pkg/models"
	"svs-binarizer/pkg/storage"
)

// collector is the single writer of a split: it receives processed records
// in item order and appends them, followed by their augmentations.
type collector struct {
	m       *Manager
	split   Split
	builder storage.Builder
	augMap  map[string][]models.AugmentationTask
	summary *Summary
	done    int
}

func newCollector(m *Manager, split Split, builder storage.Builder, augMap map[string][]models.AugmentationTask) *collector {
	return &collector{
		m:       m,
		split:   split,
		builder: builder,
		augMap:  augMap,
		summary: &Summary{
			Split:     split.Name,
			Items:     len(split.Items),
			Lengths:   make([]int, 0, len(split.Items)),
			Augmented: split.ApplyAugmentation,
		},
	}
}

func (c *collector) postprocess(idx int, rec *models.Record) error {
	c.done++
	item := c.split.Items[idx]
	if rec == nil {
		c.summary.Skipped++
		c.m.report(c.split.Name, item.Name, models.StatusSkipped, c.done, c.summary.Items, nil)
		return nil
	}

	if err := c.append(rec); err != nil {
		return err
	}
	c.summary.RawSeconds += rec.Seconds

	for _, task := range c.augMap[rec.Name] {
		augRec, err := task.Apply(rec)
		if err != nil {
			return fmt.Errorf("augmentation %s of %s: %w", task.Kind, rec.Name, err)
		}
		if augRec == nil {
			return fmt.Errorf("augmentation %s of %s produced no record", task.Kind, rec.Name)
		}
		if err := c.append(augRec); err != nil {
			return err
		}
	}

	c.m.report(c.split.Name, item.Name, models.StatusProcessed, c.done, c.summary.Items, nil)
	return nil
}

func (c *collector) append(rec *models.Record) error {
	if err := c.builder.AddItem(rec); err != nil {
		return fmt.Errorf("adding record %s: %w", rec.Name, err)
	}
	c.summary.Lengths = append(c.summary.Lengths, rec.Length)
	c.summary.TotalSeconds += rec.Seconds
	c.summary.Records++
	return nil
}
