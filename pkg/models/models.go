package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Item is one raw utterance as enumerated by a metadata loader.
type Item struct {
	Name string
	Meta any
}

// Feature is one payload field of a binarized record. Exactly one of Ints or
// Floats is set; scalars are stored as single-element slices.
type Feature struct {
	Ints   []int64   `json:"ints,omitempty"`
	Floats []float64 `json:"floats,omitempty"`
}

func IntFeature(vals []int64) Feature     { return Feature{Ints: vals} }
func FloatFeature(vals []float64) Feature { return Feature{Floats: vals} }
func ScalarFeature(v float64) Feature     { return Feature{Floats: []float64{v}} }

// Len returns the number of elements in the payload.
func (f Feature) Len() int {
	if f.Ints != nil {
		return len(f.Ints)
	}
	return len(f.Floats)
}

// Scalar returns the first float element, or 0 for an empty feature.
func (f Feature) Scalar() float64 {
	if len(f.Floats) > 0 {
		return f.Floats[0]
	}
	if len(f.Ints) > 0 {
		return float64(f.Ints[0])
	}
	return 0
}

// Record is the binarized output for one item or one of its augmentations.
type Record struct {
	Name     string             `json:"name"`
	Length   int                `json:"length"`
	Seconds  float64            `json:"seconds"`
	Features map[string]Feature `json:"features,omitempty"`
}

func NewRecord(name string, length int, seconds float64) *Record {
	return &Record{
		Name:     name,
		Length:   length,
		Seconds:  seconds,
		Features: make(map[string]Feature),
	}
}

// Clone returns a deep copy so augmentation tasks never mutate the base record.
func (r *Record) Clone() *Record {
	out := NewRecord(r.Name, r.Length, r.Seconds)
	for k, f := range r.Features {
		var c Feature
		if f.Ints != nil {
			c.Ints = append([]int64(nil), f.Ints...)
		}
		if f.Floats != nil {
			c.Floats = append([]float64(nil), f.Floats...)
		}
		out.Features[k] = c
	}
	return out
}

// Validate checks the fields every record must carry.
func (r *Record) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("record has no name")
	}
	if r.Length < 0 {
		return fmt.Errorf("record %s has negative length %d", r.Name, r.Length)
	}
	if r.Seconds < 0 {
		return fmt.Errorf("record %s has negative duration %f", r.Name, r.Seconds)
	}
	return nil
}

// AugmentationTask derives an additional record from an already produced one.
// Parameters are captured by Apply when the task is planned.
type AugmentationTask struct {
	Kind  string
	Apply func(*Record) (*Record, error)
}

// Batch is an ordered list of record indices.
type Batch []int

type ProgressStatus string

const (
	StatusStarted   ProgressStatus = "started"
	StatusProcessed ProgressStatus = "processed"
	StatusSkipped   ProgressStatus = "skipped"
	StatusCompleted ProgressStatus = "completed"
	StatusFailed    ProgressStatus = "failed"
)

// ProgressEvent describes one step of a split's binarization.
type ProgressEvent struct {
	RunID     string         `json:"run_id"`
	Split     string         `json:"split"`
	Item      string         `json:"item,omitempty"`
	Status    ProgressStatus `json:"status"`
	Done      int            `json:"done"`
	Total     int            `json:"total"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewRunID() string {
	return uuid.New().String()
}
