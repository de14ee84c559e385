package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	SpeakerMapFile = "spk_map.json"
	DictionaryFile = "dictionary.txt"
)

func WriteSpeakerMap(dir string, spkMap map[string]int) error {
	data, err := json.Marshal(spkMap)
	if err != nil {
		return fmt.Errorf("failed to marshal speaker map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SpeakerMapFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write speaker map: %w", err)
	}
	return nil
}

func ReadSpeakerMap(dir string) (map[string]int, error) {
	data, err := os.ReadFile(filepath.Join(dir, SpeakerMapFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read speaker map: %w", err)
	}
	spkMap := make(map[string]int)
	if err := json.Unmarshal(data, &spkMap); err != nil {
		return nil, fmt.Errorf("failed to parse speaker map: %w", err)
	}
	return spkMap, nil
}

// CopyFile copies src to dst verbatim, replacing dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// Directory is the binary data directory of one binarization run.
type Directory struct {
	Path  string
	Attrs []string
}

func (d Directory) NewBuilder(split string) (Builder, error) {
	return NewDiskBuilder(d.Path, split, d.Attrs)
}

func (d Directory) WriteLengths(split string, lengths []int) error {
	return WriteLengths(d.Path, split, lengths)
}
