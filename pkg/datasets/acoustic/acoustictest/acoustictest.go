// Package acoustictest writes small raw datasets for tests.
package acoustictest

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Utterance describes one fixture row. Hz == 0 writes silence; NoWav leaves
// the recording out.
type Utterance struct {
	Name      string
	Phonemes  []string
	Durations []float64
	Hz        float64
	NoWav     bool
}

// Seconds is the total phoneme duration.
func (u Utterance) Seconds() float64 {
	var s float64
	for _, d := range u.Durations {
		s += d
	}
	return s
}

// WriteDataset creates dir/transcriptions.csv and dir/wavs/*.wav.
func WriteDataset(t testing.TB, dir string, sampleRate int, utts []Utterance) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "wavs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	f, err := os.Create(filepath.Join(dir, "transcriptions.csv"))
	if err != nil {
		t.Fatalf("create transcriptions: %v", err)
	}
	w := csv.NewWriter(f)
	w.Write([]string{"name", "ph_seq", "ph_dur"})
	for _, u := range utts {
		durs := make([]string, len(u.Durations))
		for i, d := range u.Durations {
			durs[i] = fmt.Sprintf("%g", d)
		}
		w.Write([]string{u.Name, strings.Join(u.Phonemes, " "), strings.Join(durs, " ")})

		if !u.NoWav {
			WriteTone(t, filepath.Join(dir, "wavs", u.Name+".wav"), sampleRate, u.Seconds(), u.Hz)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		t.Fatalf("write transcriptions: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close transcriptions: %v", err)
	}
}

// WriteTone writes a 16-bit mono sine wave, or silence when hz is 0.
func WriteTone(t testing.TB, path string, sampleRate int, seconds, hz float64) {
	t.Helper()
	n := int(math.Round(seconds * float64(sampleRate)))
	data := make([]int, n)
	for i := range data {
		if hz > 0 {
			data[i] = int(12000 * math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
		}
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: 1},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

// WriteDictionary writes one "word<TAB>phoneme" line per phoneme.
func WriteDictionary(t testing.TB, path string, phonemes ...string) {
	t.Helper()
	var b strings.Builder
	for _, ph := range phonemes {
		fmt.Fprintf(&b, "%s\t%s\n", ph, ph)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write dictionary: %v", err)
	}
}
