// Package conditioner builds the frame-level conditioning of the acoustic
// model from a collated sample: phoneme embeddings expanded to frames by
// mel2ph, plus pitch, key shift, speed and speaker embeddings.
package conditioner

import (
	"fmt"
	"math"
	"math/rand"

	"svs-binarizer/pkg/config"
	"svs-binarizer/pkg/datasets/acoustic"
	"svs-binarizer/pkg/trainer"
	"svs-binarizer/pkg/vocab"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// PitchEmbedSize is the row count of the discrete pitch table.
	PitchEmbedSize = 300
	// CoarseBins is the number of pitch bins F0ToCoarse maps into.
	CoarseBins = 256

	coarseF0Min = 50.0
	coarseF0Max = 1100.0
)

// F0ToCoarse quantizes f0 on the mel scale into bins 1..CoarseBins-1.
// Unvoiced (zero) frames map to bin 1.
func F0ToCoarse(f0 []float64) []int64 {
	melMin := 1127 * math.Log(1+coarseF0Min/700)
	melMax := 1127 * math.Log(1+coarseF0Max/700)
	a := (CoarseBins - 2) / (melMax - melMin)
	b := melMin*a - 1

	out := make([]int64, len(f0))
	for i, hz := range f0 {
		mel := 1127 * math.Log(1+hz/700)
		if mel > 0 {
			mel = mel*a - b
		}
		c := int64(math.Round(mel))
		switch {
		case c < 1:
			c = 1
		case c >= CoarseBins:
			c = CoarseBins - 1
		}
		out[i] = c
	}
	return out
}

// Encoder transforms the T×H token embeddings of one item. padding marks
// the positions holding the padding token.
type Encoder interface {
	Encode(x *mat.Dense, padding []bool) (*mat.Dense, error)
}

// IdentityEncoder returns its input unchanged.
type IdentityEncoder struct{}

func (IdentityEncoder) Encode(x *mat.Dense, _ []bool) (*mat.Dense, error) { return x, nil }

// linear maps a scalar input to an H vector.
type linear struct {
	weight []float64
	bias   []float64
}

func newLinear(rng *rand.Rand, hidden int) linear {
	bound := math.Sqrt(6 / float64(1+hidden))
	l := linear{weight: make([]float64, hidden), bias: make([]float64, hidden)}
	for i := range l.weight {
		l.weight[i] = (rng.Float64()*2 - 1) * bound
	}
	return l
}

// addTo adds weight*x + bias to dst.
func (l linear) addTo(dst []float64, x float64) {
	floats.AddScaled(dst, x, l.weight)
	floats.Add(dst, l.bias)
}

// newEmbedding draws rows from N(0, 1/hidden). A non-negative pad row is
// zero.
func newEmbedding(rng *rand.Rand, rows, hidden, pad int) *mat.Dense {
	std := math.Pow(float64(hidden), -0.5)
	data := make([]float64, rows*hidden)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	m := mat.NewDense(rows, hidden, data)
	if pad >= 0 {
		m.SetRow(pad, make([]float64, hidden))
	}
	return m
}

type Options struct {
	HiddenSize       int
	VocabSize        int
	F0EmbedType      string
	UseKeyShiftEmbed bool
	UseSpeedEmbed    bool
	UseSpkID         bool
	NumSpk           int
	Seed             int64
}

func OptionsFromConfig(cfg *config.Config, vocabSize int) Options {
	return Options{
		HiddenSize:       cfg.Model.HiddenSize,
		VocabSize:        vocabSize,
		F0EmbedType:      cfg.Model.F0EmbedType,
		UseKeyShiftEmbed: cfg.Model.UseKeyShiftEmbed,
		UseSpeedEmbed:    cfg.Model.UseSpeedEmbed,
		UseSpkID:         cfg.UseSpkID,
		NumSpk:           cfg.NumSpk,
		Seed:             cfg.Seed,
	}
}

// Input is one item of a collated sample, without padding frames.
type Input struct {
	Tokens   []int64
	Mel2Ph   []int64
	F0       []float64
	KeyShift float64
	Speed    float64
	SpkID    int64
}

type Conditioner struct {
	opts    Options
	encoder Encoder

	tokenEmbed *mat.Dense
	durEmbed   linear

	pitchTable *mat.Dense
	pitchEmbed linear

	keyShiftEmbed linear
	speedEmbed    linear
	spkEmbed      *mat.Dense
}

// New initializes the embedding weights from opts.Seed.
func New(opts Options, enc Encoder) (*Conditioner, error) {
	if opts.HiddenSize <= 0 || opts.VocabSize <= 0 {
		return nil, fmt.Errorf("hidden size and vocabulary size must be positive")
	}
	if opts.UseSpkID && opts.NumSpk <= 0 {
		return nil, fmt.Errorf("speaker embedding needs num_spk > 0")
	}
	if enc == nil {
		enc = IdentityEncoder{}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	h := opts.HiddenSize
	c := &Conditioner{
		opts:       opts,
		encoder:    enc,
		tokenEmbed: newEmbedding(rng, opts.VocabSize, h, vocab.PadIndex),
		durEmbed:   newLinear(rng, h),
	}
	switch opts.F0EmbedType {
	case "discrete":
		c.pitchTable = newEmbedding(rng, PitchEmbedSize, h, vocab.PadIndex)
	case "continuous":
		c.pitchEmbed = newLinear(rng, h)
	default:
		return nil, fmt.Errorf("f0_embed_type must be 'discrete' or 'continuous', got %q", opts.F0EmbedType)
	}
	if opts.UseKeyShiftEmbed {
		c.keyShiftEmbed = newLinear(rng, h)
	}
	if opts.UseSpeedEmbed {
		c.speedEmbed = newLinear(rng, h)
	}
	if opts.UseSpkID {
		c.spkEmbed = newEmbedding(rng, opts.NumSpk, h, -1)
	}
	return c, nil
}

// Forward returns the T×H conditioning of one item, T being len(in.Mel2Ph).
func (c *Conditioner) Forward(in Input) (*mat.Dense, error) {
	if len(in.Tokens) == 0 || len(in.Mel2Ph) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	if len(in.F0) != len(in.Mel2Ph) {
		return nil, fmt.Errorf("f0 has %d frames but mel2ph has %d", len(in.F0), len(in.Mel2Ph))
	}
	h := c.opts.HiddenSize
	scale := math.Sqrt(float64(h))

	dur := acoustic.Mel2PhToDur(in.Mel2Ph, len(in.Tokens))
	x := mat.NewDense(len(in.Tokens), h, nil)
	padding := make([]bool, len(in.Tokens))
	for i, tok := range in.Tokens {
		if tok < 0 || int(tok) >= c.opts.VocabSize {
			return nil, fmt.Errorf("token %d out of range", tok)
		}
		padding[i] = tok == vocab.PadIndex
		row := x.RawRowView(i)
		floats.AddScaled(row, scale, c.tokenEmbed.RawRowView(int(tok)))
		c.durEmbed.addTo(row, float64(dur[i]))
	}

	encoded, err := c.encoder.Encode(x, padding)
	if err != nil {
		return nil, fmt.Errorf("encoding tokens: %w", err)
	}
	if r, cols := encoded.Dims(); r < len(in.Tokens) || cols != h {
		return nil, fmt.Errorf("encoder returned %dx%d, want %dx%d", r, cols, len(in.Tokens), h)
	}

	out := mat.NewDense(len(in.Mel2Ph), h, nil)
	var coarse []int64
	if c.pitchTable != nil {
		coarse = F0ToCoarse(in.F0)
	}
	for t, ph := range in.Mel2Ph {
		if ph < 0 || int(ph) > len(in.Tokens) {
			return nil, fmt.Errorf("mel2ph frame %d points at phoneme %d of %d", t, ph, len(in.Tokens))
		}
		row := out.RawRowView(t)
		// Index 0 selects the zero row in front of the encoder output.
		if ph > 0 {
			copy(row, encoded.RawRowView(int(ph-1)))
		}

		if c.pitchTable != nil {
			floats.Add(row, c.pitchTable.RawRowView(int(coarse[t])))
		} else {
			c.pitchEmbed.addTo(row, math.Log(1+in.F0[t]/700))
		}
		if c.opts.UseKeyShiftEmbed {
			c.keyShiftEmbed.addTo(row, in.KeyShift)
		}
		if c.opts.UseSpeedEmbed {
			c.speedEmbed.addTo(row, in.Speed)
		}
	}

	if c.opts.UseSpkID {
		if in.SpkID < 0 || int(in.SpkID) >= c.opts.NumSpk {
			return nil, fmt.Errorf("speaker id %d out of range", in.SpkID)
		}
		spk := c.spkEmbed.RawRowView(int(in.SpkID))
		for t := range in.Mel2Ph {
			floats.Add(out.RawRowView(t), spk)
		}
	}
	return out, nil
}

// ForwardSample conditions every item of a collated sample, dropping the
// padding of each item first.
func (c *Conditioner) ForwardSample(s *trainer.Sample) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, s.Size)
	for i := 0; i < s.Size; i++ {
		tokens := s.Tokens[i]
		for len(tokens) > 0 && tokens[len(tokens)-1] == vocab.PadIndex {
			tokens = tokens[:len(tokens)-1]
		}
		n := s.Lengths[i]
		cond, err := c.Forward(Input{
			Tokens:   tokens,
			Mel2Ph:   s.Mel2Ph[i][:n],
			F0:       s.F0[i][:n],
			KeyShift: s.KeyShift[i],
			Speed:    s.Speed[i],
			SpkID:    s.SpkID[i],
		})
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", s.Names[i], err)
		}
		out[i] = cond
	}
	return out, nil
}
