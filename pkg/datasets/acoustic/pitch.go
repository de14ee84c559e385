package acoustic

import (
	"math"

	"svs-binarizer/pkg/config"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	voicingThreshold = 0.5
	octaveTolerance  = 0.9
)

// PitchExtractor estimates f0 per frame from the normalized autocorrelation
// of a window centred on the frame.
type PitchExtractor struct {
	sampleRate int
	hop        int
	f0Min      float64
	f0Max      float64
	minLag     int
	maxLag     int
	window     int
	nfft       int
}

func NewPitchExtractor(cfg config.AudioConfig) *PitchExtractor {
	minLag := int(math.Floor(float64(cfg.SampleRate) / cfg.F0Max))
	if minLag < 2 {
		minLag = 2
	}
	maxLag := int(math.Ceil(float64(cfg.SampleRate) / cfg.F0Min))
	window := 2 * maxLag
	nfft := 1
	for nfft < 2*window {
		nfft <<= 1
	}
	return &PitchExtractor{
		sampleRate: cfg.SampleRate,
		hop:        cfg.HopSize,
		f0Min:      cfg.F0Min,
		f0Max:      cfg.F0Max,
		minLag:     minLag,
		maxLag:     maxLag,
		window:     window,
		nfft:       nfft,
	}
}

// Extract returns length frames of f0 with unvoiced frames interpolated, and
// the unvoiced mask (1 = unvoiced). It returns nil slices when no frame is
// voiced. Safe for concurrent use.
func (p *PitchExtractor) Extract(samples []float64, length int) (f0 []float64, uv []int64) {
	fft := fourier.NewFFT(p.nfft)
	frame := make([]float64, p.nfft)
	coeffs := make([]complex128, p.nfft/2+1)
	ac := make([]float64, p.nfft)

	f0 = make([]float64, length)
	uv = make([]int64, length)
	voiced := 0
	for t := 0; t < length; t++ {
		center := t * p.hop
		for i := range frame {
			frame[i] = 0
		}
		for i := 0; i < p.window; i++ {
			j := center - p.window/2 + i
			if j >= 0 && j < len(samples) {
				frame[i] = samples[j]
			}
		}

		fft.Coefficients(coeffs, frame)
		for i, c := range coeffs {
			coeffs[i] = complex(real(c)*real(c)+imag(c)*imag(c), 0)
		}
		fft.Sequence(ac, coeffs)

		if hz, ok := p.pickPeak(ac); ok {
			f0[t] = hz
			voiced++
		} else {
			uv[t] = 1
		}
	}

	if voiced == 0 {
		return nil, nil
	}
	interpolateUnvoiced(f0, uv)
	return f0, uv
}

func (p *PitchExtractor) pickPeak(ac []float64) (float64, bool) {
	r0 := ac[0]
	if r0 <= 1e-6*float64(p.window) {
		return 0, false
	}
	norm := func(lag int) float64 {
		return ac[lag] / r0 * float64(p.window) / float64(p.window-lag)
	}

	best := math.Inf(-1)
	for lag := p.minLag; lag <= p.maxLag; lag++ {
		if v := norm(lag); v > best {
			best = v
		}
	}
	if best < voicingThreshold {
		return 0, false
	}

	// The first strong local maximum avoids picking a subharmonic.
	for lag := p.minLag; lag <= p.maxLag; lag++ {
		v := norm(lag)
		if v < octaveTolerance*best || v < norm(lag-1) || v < norm(lag+1) {
			continue
		}
		refined := float64(lag)
		if a, b, c := norm(lag-1), v, norm(lag+1); a-2*b+c != 0 {
			refined += 0.5 * (a - c) / (a - 2*b + c)
		}
		hz := float64(p.sampleRate) / refined
		if math.IsNaN(hz) || math.IsInf(hz, 0) {
			return 0, false
		}
		return math.Min(math.Max(hz, p.f0Min), p.f0Max), true
	}
	return 0, false
}

// interpolateUnvoiced fills unvoiced frames linearly between voiced
// neighbours and holds the edge values.
func interpolateUnvoiced(f0 []float64, uv []int64) {
	prev := -1
	for i := range f0 {
		if uv[i] != 0 {
			continue
		}
		if prev == -1 {
			for j := 0; j < i; j++ {
				f0[j] = f0[i]
			}
		} else if i-prev > 1 {
			for j := prev + 1; j < i; j++ {
				w := float64(j-prev) / float64(i-prev)
				f0[j] = f0[prev]*(1-w) + f0[i]*w
			}
		}
		prev = i
	}
	for j := prev + 1; j < len(f0); j++ {
		f0[j] = f0[prev]
	}
}
