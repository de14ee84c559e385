package trainer

import (
	"context"
	"fmt"
	"sync"

	"svs-binarizer/pkg/datasets/acoustic"
	"svs-binarizer/pkg/models"
	"svs-binarizer/pkg/vocab"
)

// RecordSource is random access to the records of a split.
type RecordSource interface {
	Get(idx int) (*models.Record, error)
}

// Sample is a collated batch. Sequences are right padded to the longest
// item of the batch.
type Sample struct {
	Indices []int
	Names   []string
	Size    int
	Lengths []int

	Tokens   [][]int64
	Mel2Ph   [][]int64
	F0       [][]float64
	KeyShift []float64
	Speed    []float64
	SpkID    []int64
}

// Collate pads the records of one batch into a Sample. Records written
// without key_shift, speed or spk_id get 0, 1 and 0.
func Collate(indices []int, recs []*models.Record) (*Sample, error) {
	s := &Sample{
		Indices:  append([]int(nil), indices...),
		Size:     len(recs),
		Names:    make([]string, len(recs)),
		Lengths:  make([]int, len(recs)),
		KeyShift: make([]float64, len(recs)),
		Speed:    make([]float64, len(recs)),
		SpkID:    make([]int64, len(recs)),
	}

	maxTokens, maxFrames := 0, 0
	for _, rec := range recs {
		for _, key := range []string{acoustic.FeatTokens, acoustic.FeatMel2Ph, acoustic.FeatF0} {
			if _, ok := rec.Features[key]; !ok {
				return nil, fmt.Errorf("record %s has no %s", rec.Name, key)
			}
		}
		maxTokens = max(maxTokens, rec.Features[acoustic.FeatTokens].Len())
		maxFrames = max(maxFrames, rec.Length)
	}

	s.Tokens = make([][]int64, len(recs))
	s.Mel2Ph = make([][]int64, len(recs))
	s.F0 = make([][]float64, len(recs))
	for i, rec := range recs {
		s.Names[i] = rec.Name
		s.Lengths[i] = rec.Length

		s.Tokens[i] = padInts(rec.Features[acoustic.FeatTokens].Ints, maxTokens, vocab.PadIndex)
		s.Mel2Ph[i] = padInts(rec.Features[acoustic.FeatMel2Ph].Ints, maxFrames, 0)
		s.F0[i] = make([]float64, maxFrames)
		copy(s.F0[i], rec.Features[acoustic.FeatF0].Floats)

		s.Speed[i] = 1
		if f, ok := rec.Features[acoustic.FeatKeyShift]; ok {
			s.KeyShift[i] = f.Scalar()
		}
		if f, ok := rec.Features[acoustic.FeatSpeed]; ok {
			s.Speed[i] = f.Scalar()
		}
		if f, ok := rec.Features[acoustic.FeatSpkID]; ok && len(f.Ints) > 0 {
			s.SpkID[i] = f.Ints[0]
		}
	}
	return s, nil
}

func padInts(src []int64, n int, pad int64) []int64 {
	out := make([]int64, n)
	copy(out, src)
	for i := len(src); i < n; i++ {
		out[i] = pad
	}
	return out
}

// Loader reads and collates batches on background goroutines while the
// consumer works on earlier ones. At most workers*prefetch batches are in
// flight.
type Loader struct {
	src      RecordSource
	workers  int
	prefetch int
}

func NewLoader(src RecordSource, workers, prefetch int) *Loader {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Loader{src: src, workers: workers, prefetch: prefetch}
}

type loadResult struct {
	sample *Sample
	err    error
}

// Run calls fn with every batch in order. With zero workers batches are
// loaded on the calling goroutine. The first error stops the run.
func (l *Loader) Run(ctx context.Context, batches []models.Batch, fn func(*Sample) error) error {
	if l.workers <= 0 {
		for _, b := range batches {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := l.load(b)
			if err != nil {
				return err
			}
			if err := fn(s); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending := make([]chan loadResult, len(batches))
	for i := range pending {
		pending[i] = make(chan loadResult, 1)
	}
	slots := make(chan struct{}, l.workers*l.prefetch)
	jobs := make(chan int)

	for w := 0; w < l.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				s, err := l.load(batches[i])
				pending[i] <- loadResult{sample: s, err: err}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)
		for i := range batches {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	for i := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		var res loadResult
		select {
		case res = <-pending[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
		<-slots
		if res.err != nil {
			return res.err
		}
		if err := fn(res.sample); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) load(b models.Batch) (*Sample, error) {
	recs := make([]*models.Record, len(b))
	for i, idx := range b {
		rec, err := l.src.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("loading record %d: %w", idx, err)
		}
		recs[i] = rec
	}
	return Collate(b, recs)
}
