package sampler

import (
	"math/rand"
	"sort"
	"testing"

	"svs-binarizer/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomLengths(n int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))
	lengths := make([]int, n)
	for i := range lengths {
		lengths[i] = 10 + rng.Intn(400)
	}
	return lengths
}

func assertWithinBudget(t *testing.T, batches []models.Batch, lengths []int, maxFrames, maxSize int) {
	t.Helper()
	for _, b := range batches {
		require.NotEmpty(t, b)
		assert.LessOrEqual(t, len(b), maxSize)
		if len(b) == 1 {
			continue
		}
		sum := 0
		for _, idx := range b {
			sum += lengths[idx]
		}
		assert.LessOrEqual(t, sum, maxFrames)
	}
}

func flatten(batches []models.Batch) []int {
	var out []int
	for _, b := range batches {
		out = append(out, b...)
	}
	sort.Ints(out)
	return out
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestPack(t *testing.T) {
	tests := []struct {
		name      string
		lengths   []int
		maxFrames int
		maxSize   int
		want      []models.Batch
	}{
		{"frame budget", []int{3, 4, 2, 5, 1}, 7, 10, []models.Batch{{0, 1}, {2, 3}, {4}}},
		{"size budget", []int{1, 1, 1, 1, 1}, 100, 2, []models.Batch{{0, 1}, {2, 3}, {4}}},
		{"oversize item alone", []int{2, 50, 3}, 10, 10, []models.Batch{{0}, {1}, {2}}},
		{"oversize first", []int{50, 2, 3}, 10, 10, []models.Batch{{0}, {1, 2}}},
		{"exact fit", []int{5, 5, 5}, 10, 10, []models.Batch{{0, 1}, {2}}},
		{"empty", nil, 10, 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pack(identity(len(tt.lengths)), tt.lengths, tt.maxFrames, tt.maxSize)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBatchSamplerRespectsBudgets(t *testing.T) {
	lengths := randomLengths(500, 1)
	lengths[42] = 5000

	s, err := New(lengths, Options{
		MaxBatchFrames:    2000,
		MaxBatchSize:      16,
		SortBySimilarSize: true,
		FrameCountGrid:    6,
		ShuffleSample:     true,
		Seed:              1234,
	})
	require.NoError(t, err)

	batches := s.Batches()
	assertWithinBudget(t, batches, lengths, 2000, 16)
	assert.Equal(t, identity(len(lengths)), flatten(batches))
	assert.Contains(t, batches, models.Batch{42})
}

func TestBatchSamplerIsDeterministicPerEpoch(t *testing.T) {
	lengths := randomLengths(300, 2)
	opts := Options{MaxBatchFrames: 1500, MaxBatchSize: 8, SortBySimilarSize: true, ShuffleSample: true, ShuffleBatch: true, Seed: 7}

	a, err := New(lengths, opts)
	require.NoError(t, err)
	b, err := New(lengths, opts)
	require.NoError(t, err)

	assert.Equal(t, 0, a.Epoch())
	epoch0 := a.Batches()
	assert.Equal(t, epoch0, b.Batches())

	a.SetEpoch(1)
	b.SetEpoch(1)
	assert.Equal(t, 1, a.Epoch())
	epoch1 := a.Batches()
	assert.Equal(t, epoch1, b.Batches())
	assert.NotEqual(t, epoch0, epoch1)
	assert.Equal(t, flatten(epoch0), flatten(epoch1))

	a.SetEpoch(0)
	assert.Equal(t, epoch0, a.Batches())
}

func TestBatchSamplerWithoutShuffleKeepsOrder(t *testing.T) {
	lengths := []int{3, 4, 2, 5, 1}
	s, err := New(lengths, Options{MaxBatchFrames: 7, MaxBatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []models.Batch{{0, 1}, {2, 3}, {4}}, s.Batches())
}

func TestBatchSamplerSortsWithinWindows(t *testing.T) {
	lengths := randomLengths(64, 3)
	s, err := New(lengths, Options{
		MaxBatchFrames:    1 << 30,
		MaxBatchSize:      1,
		SortBySimilarSize: true,
		FrameCountGrid:    1,
		SortWindow:        16,
		ShuffleSample:     true,
		Seed:              3,
	})
	require.NoError(t, err)

	batches := s.Batches()
	require.Len(t, batches, 64)
	for w := 0; w < 64; w += 16 {
		for i := w + 1; i < w+16; i++ {
			assert.LessOrEqual(t, lengths[batches[i-1][0]], lengths[batches[i][0]])
		}
	}
}

func TestBatchSamplerShardsAcrossReplicas(t *testing.T) {
	lengths := randomLengths(203, 4)
	const replicas = 4

	samplers := make([]*BatchSampler, replicas)
	for rank := range samplers {
		s, err := New(lengths, Options{
			MaxBatchFrames: 1000,
			MaxBatchSize:   8,
			NumReplicas:    replicas,
			Rank:           rank,
			ShuffleSample:  true,
			Seed:           99,
		})
		require.NoError(t, err)
		samplers[rank] = s
	}

	owned := map[int]int{}
	count := samplers[0].Len()
	for rank, s := range samplers {
		assert.Equal(t, count, s.Len(), "rank %d", rank)
		for _, b := range s.assignment[:s.owned] {
			prev, dup := owned[b]
			assert.False(t, dup, "batch %d owned by ranks %d and %d", b, prev, rank)
			owned[b] = rank
		}
	}

	var all []int
	for _, s := range samplers {
		for _, b := range s.Batches()[:s.owned] {
			all = append(all, b...)
		}
	}
	sort.Ints(all)
	assert.Equal(t, identity(len(lengths)), all)
}

func TestBatchSamplerPadsToBatchCountMultiple(t *testing.T) {
	lengths := randomLengths(50, 5)
	for _, multiple := range []int{1, 3, 4, 7} {
		s, err := New(lengths, Options{
			MaxBatchFrames:             800,
			MaxBatchSize:               4,
			NumReplicas:                2,
			Rank:                       1,
			RequiredBatchCountMultiple: multiple,
			ShuffleSample:              true,
		})
		require.NoError(t, err)
		assert.Zero(t, s.Len()%multiple, "multiple %d", multiple)
		assert.GreaterOrEqual(t, s.Len(), s.owned)
	}
}

func TestBatchSamplerMoreReplicasThanBatches(t *testing.T) {
	lengths := []int{10, 10, 10}
	for rank := 0; rank < 5; rank++ {
		s, err := New(lengths, Options{MaxBatchFrames: 10, MaxBatchSize: 1, NumReplicas: 5, Rank: rank, ShuffleSample: true})
		require.NoError(t, err)
		assert.Equal(t, 1, s.Len(), "rank %d", rank)
	}
}

func TestBatchSamplerEmpty(t *testing.T) {
	s, err := New(nil, Options{MaxBatchFrames: 10, MaxBatchSize: 1})
	require.NoError(t, err)
	assert.Zero(t, s.Len())
	assert.Empty(t, s.Batches())
}

func TestBatchSamplerRejectsBadOptions(t *testing.T) {
	_, err := New([]int{1}, Options{MaxBatchFrames: 0, MaxBatchSize: 1})
	assert.Error(t, err)
	_, err = New([]int{1}, Options{MaxBatchFrames: 1, MaxBatchSize: 1, NumReplicas: 2, Rank: 2})
	assert.Error(t, err)
}

func TestEvalBatchSampler(t *testing.T) {
	lengths := []int{3, 4, 2, 5, 1}

	s, err := NewEval(lengths, EvalOptions{MaxBatchFrames: 7, MaxBatchSize: 10, BatchBySize: true})
	require.NoError(t, err)
	assert.Equal(t, []models.Batch{{0, 1}, {2, 3}, {4}}, s.Batches())

	s, err = NewEval(lengths, EvalOptions{MaxBatchFrames: 7, MaxBatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []models.Batch{{0}, {1}, {2}, {3}, {4}}, s.Batches())

	s, err = NewEval(lengths, EvalOptions{MaxBatchFrames: 7, MaxBatchSize: 10, BatchBySize: true, Rank: 1})
	require.NoError(t, err)
	assert.Equal(t, []models.Batch{{0}}, s.Batches())

	s, err = NewEval(nil, EvalOptions{MaxBatchFrames: 7, MaxBatchSize: 10})
	require.NoError(t, err)
	assert.Zero(t, s.Len())
}
