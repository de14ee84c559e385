// Package sampler groups the records of a binarized split into batches
// bounded by a frame budget and an item count.
package sampler

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"svs-binarizer/pkg/models"
)

// DefaultSortWindowBatches is the sort window, in batches of max size, used
// when Options.SortWindow is not set.
const DefaultSortWindowBatches = 64

// Pack greedily fills batches in the order of indices. A batch is closed on
// the first item that would push it over either budget. An item longer than
// maxFrames is never dropped and ends up alone in its batch.
func Pack(indices []int, lengths []int, maxFrames, maxSize int) []models.Batch {
	var (
		batches []models.Batch
		cur     models.Batch
		frames  int
	)
	for _, idx := range indices {
		n := lengths[idx]
		if len(cur) > 0 && (len(cur)+1 > maxSize || frames+n > maxFrames) {
			batches = append(batches, cur)
			cur, frames = nil, 0
		}
		cur = append(cur, idx)
		frames += n
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

type Options struct {
	MaxBatchFrames int
	MaxBatchSize   int

	NumReplicas int
	Rank        int
	// RequiredBatchCountMultiple pads the per-epoch batch count of every
	// replica up to a multiple of this value.
	RequiredBatchCountMultiple int

	// SortBySimilarSize sorts shuffled items by quantized length inside
	// windows of SortWindow items.
	SortBySimilarSize bool
	FrameCountGrid    int
	SortWindow        int

	ShuffleSample bool
	ShuffleBatch  bool
	Seed          int64
}

func (o *Options) validate() error {
	if o.MaxBatchFrames <= 0 || o.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_frames and max_batch_size must be positive")
	}
	if o.NumReplicas == 0 {
		o.NumReplicas = 1
	}
	if o.NumReplicas < 0 || o.Rank < 0 || o.Rank >= o.NumReplicas {
		return fmt.Errorf("rank %d out of range for %d replicas", o.Rank, o.NumReplicas)
	}
	if o.RequiredBatchCountMultiple < 1 {
		o.RequiredBatchCountMultiple = 1
	}
	if o.FrameCountGrid <= 0 {
		o.FrameCountGrid = 1
	}
	if o.SortWindow <= 0 {
		o.SortWindow = o.MaxBatchSize * DefaultSortWindowBatches
	}
	return nil
}

// BatchSampler produces the training batches of one replica. Batches are
// recomputed per epoch from a generator seeded by (seed, epoch), so every
// replica derives the same global batch list and takes its own share.
type BatchSampler struct {
	lengths []int
	opts    Options
	epoch   int

	formed     bool
	batches    []models.Batch
	assignment []int
	owned      int
}

func New(lengths []int, opts Options) (*BatchSampler, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &BatchSampler{lengths: lengths, opts: opts}, nil
}

// SetEpoch selects the epoch whose batches Batches returns.
func (s *BatchSampler) SetEpoch(epoch int) {
	if epoch != s.epoch {
		s.epoch = epoch
		s.formed = false
	}
}

// Epoch is the epoch set by the last SetEpoch call.
func (s *BatchSampler) Epoch() int { return s.epoch }

// Batches returns this replica's batches for the current epoch.
func (s *BatchSampler) Batches() []models.Batch {
	s.form()
	out := make([]models.Batch, len(s.batches))
	for i, b := range s.batches {
		out[i] = append(models.Batch(nil), b...)
	}
	return out
}

// Len is the number of batches per epoch.
func (s *BatchSampler) Len() int {
	s.form()
	return len(s.batches)
}

func (s *BatchSampler) form() {
	if s.formed {
		return
	}
	s.formed = true
	s.batches, s.assignment, s.owned = nil, nil, 0
	if len(s.lengths) == 0 {
		return
	}

	rng := rand.New(rand.NewSource(s.opts.Seed + int64(s.epoch)))
	indices := s.order(rng)
	all := Pack(indices, s.lengths, s.opts.MaxBatchFrames, s.opts.MaxBatchSize)

	replicas := s.opts.NumReplicas
	floored := len(all) / replicas * replicas
	leftovers := rng.Perm(len(all) - floored)
	for i := range leftovers {
		leftovers[i] += floored
	}

	var assignment []int
	for g := 0; g < floored/replicas; g++ {
		perm := rng.Perm(replicas)
		assignment = append(assignment, g*replicas+perm[s.opts.Rank])
	}
	if s.opts.Rank < len(leftovers) {
		assignment = append(assignment, leftovers[s.opts.Rank])
	}
	s.owned = len(assignment)

	// Every replica runs the same number of steps. Replicas without a
	// leftover repeat one of their batches, or a leftover when they own none.
	target := floored / replicas
	if len(leftovers) > 0 {
		target++
	}
	if m := s.opts.RequiredBatchCountMultiple; target%m != 0 {
		target = (target + m - 1) / m * m
	}
	pool := assignment
	if len(pool) == 0 {
		pool = leftovers
	}
	for i := 0; len(assignment) < target; i++ {
		assignment = append(assignment, pool[(i+s.epoch*s.opts.RequiredBatchCountMultiple)%len(pool)])
	}

	s.assignment = assignment
	s.batches = make([]models.Batch, len(assignment))
	for i, b := range assignment {
		s.batches[i] = all[b]
	}
	if s.opts.ShuffleBatch {
		rng.Shuffle(len(s.batches), func(i, j int) {
			s.batches[i], s.batches[j] = s.batches[j], s.batches[i]
		})
	}
}

// order returns the item order to pack: the identity, or a shuffle that is
// locally sorted by quantized length.
func (s *BatchSampler) order(rng *rand.Rand) []int {
	n := len(s.lengths)
	if !s.opts.ShuffleSample {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}

	indices := rng.Perm(n)
	if !s.opts.SortBySimilarSize {
		return indices
	}
	grid := float64(s.opts.FrameCountGrid)
	quantized := func(idx int) float64 {
		return math.Max(math.Round(float64(s.lengths[idx])/grid)*grid, grid)
	}
	for start := 0; start < n; start += s.opts.SortWindow {
		window := indices[start:min(start+s.opts.SortWindow, n)]
		sort.SliceStable(window, func(i, j int) bool {
			return quantized(window[i]) < quantized(window[j])
		})
	}
	return indices
}

type EvalOptions struct {
	MaxBatchFrames int
	MaxBatchSize   int
	Rank           int
	// BatchBySize packs items under the budgets. When false every item is a
	// batch of its own.
	BatchBySize bool
}

// EvalBatchSampler is a deterministic single pass in index order. Rank 0
// evaluates every batch; other ranks get a single one-item batch so that
// distributed evaluation stays in step.
type EvalBatchSampler struct {
	batches []models.Batch
}

func NewEval(lengths []int, opts EvalOptions) (*EvalBatchSampler, error) {
	if opts.MaxBatchFrames <= 0 || opts.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max_batch_frames and max_batch_size must be positive")
	}
	if opts.Rank < 0 {
		return nil, fmt.Errorf("invalid rank %d", opts.Rank)
	}
	s := &EvalBatchSampler{}
	if len(lengths) == 0 {
		return s, nil
	}
	if opts.Rank != 0 {
		s.batches = []models.Batch{{0}}
		return s, nil
	}

	indices := make([]int, len(lengths))
	for i := range indices {
		indices[i] = i
	}
	if opts.BatchBySize {
		s.batches = Pack(indices, lengths, opts.MaxBatchFrames, opts.MaxBatchSize)
	} else {
		s.batches = make([]models.Batch, len(indices))
		for i, idx := range indices {
			s.batches[i] = models.Batch{idx}
		}
	}
	return s, nil
}

func (s *EvalBatchSampler) Batches() []models.Batch {
	out := make([]models.Batch, len(s.batches))
	for i, b := range s.batches {
		out[i] = append(models.Batch(nil), b...)
	}
	return out
}

func (s *EvalBatchSampler) Len() int { return len(s.batches) }
