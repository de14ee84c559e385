// Package vocab builds the phoneme symbol table from a pronunciation
// dictionary and encodes phoneme sequences into token ids.
package vocab

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	PadIndex = 0
	PadToken = "<PAD>"
)

// Phonemes that exist in every vocabulary regardless of the dictionary.
var builtin = []string{"AP", "SP"}

// Vocabulary maps phonemes to token ids. Id 0 is reserved for padding.
type Vocabulary struct {
	source  string
	symbols []string
	ids     map[string]int
}

// Load parses a dictionary file where each line is "word<TAB>ph1 ph2 ...".
func Load(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dictionary: %w", err)
	}
	defer f.Close()

	set := make(map[string]struct{})
	for _, ph := range builtin {
		set[ph] = struct{}{}
	}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		_, phones, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("dictionary %s line %d: missing tab separator", path, lineNo)
		}
		for _, ph := range strings.Fields(phones) {
			set[ph] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dictionary: %w", err)
	}

	symbols := make([]string, 0, len(set))
	for ph := range set {
		symbols = append(symbols, ph)
	}
	sort.Strings(symbols)

	v := New(symbols)
	v.source = path
	return v, nil
}

// New builds a vocabulary from an already ordered phoneme list.
func New(phonemes []string) *Vocabulary {
	v := &Vocabulary{
		symbols: append([]string{PadToken}, phonemes...),
		ids:     make(map[string]int, len(phonemes)+1),
	}
	for i, s := range v.symbols {
		v.ids[s] = i
	}
	return v
}

// Source is the dictionary path the vocabulary was loaded from.
func (v *Vocabulary) Source() string { return v.source }

// Size counts every id including padding.
func (v *Vocabulary) Size() int { return len(v.symbols) }

// Phonemes returns the phoneme list without the padding symbol.
func (v *Vocabulary) Phonemes() []string {
	return append([]string(nil), v.symbols[1:]...)
}

func (v *Vocabulary) Contains(ph string) bool {
	id, ok := v.ids[ph]
	return ok && id != PadIndex
}

func (v *Vocabulary) Encode(phonemes []string) ([]int64, error) {
	out := make([]int64, len(phonemes))
	for i, ph := range phonemes {
		id, ok := v.ids[ph]
		if !ok || id == PadIndex {
			return nil, fmt.Errorf("unknown phoneme %q", ph)
		}
		out[i] = int64(id)
	}
	return out, nil
}

// Decode maps ids back to phonemes, stopping at the first padding id.
func (v *Vocabulary) Decode(ids []int64) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == PadIndex {
			break
		}
		if id < 0 || int(id) >= len(v.symbols) {
			return nil, fmt.Errorf("token id %d out of range", id)
		}
		out = append(out, v.symbols[id])
	}
	return out, nil
}
