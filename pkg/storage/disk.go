package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"svs-binarizer/pkg/models"

	"github.com/dgraph-io/badger/v3"
)

// Builder is the append-only writer for one split's indexed dataset.
type Builder interface {
	AddItem(rec *models.Record) error
	Finalize() error
	// Abandon releases the builder without sealing it; the partial dataset
	// can not be opened afterwards.
	Abandon() error
}

var (
	ErrFinalized      = errors.New("indexed dataset already finalized")
	ErrRecordNotFound = errors.New("record not found")
	ErrNotFinalized   = errors.New("indexed dataset was not finalized")
)

var countKey = []byte("meta/count")

const recordPrefix = 'r'

func recordKey(idx int) []byte {
	key := make([]byte, 9)
	key[0] = recordPrefix
	binary.BigEndian.PutUint64(key[1:], uint64(idx))
	return key
}

// DatasetPath is the badger directory holding a split's records.
func DatasetPath(dir, split string) string {
	return filepath.Join(dir, split+".data")
}

type diskBuilder struct {
	db        *badger.DB
	wb        *badger.WriteBatch
	allowed   map[string]struct{}
	count     int
	finalized bool
	mu        sync.Mutex
}

// NewDiskBuilder creates an empty indexed dataset for split under dir. Any
// dataset previously built at the same location is removed together with its
// lengths file, so a run that fails leaves no lengths behind. When
// allowedAttrs is non-empty only those feature keys are kept in stored
// records.
func NewDiskBuilder(dir, split string, allowedAttrs []string) (Builder, error) {
	if err := os.Remove(LengthsPath(dir, split)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove previous lengths file: %w", err)
	}
	path := DatasetPath(dir, split)
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to clear previous dataset: %w", err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	b := &diskBuilder{
		db: db,
		wb: db.NewWriteBatch(),
	}
	if len(allowedAttrs) > 0 {
		b.allowed = make(map[string]struct{}, len(allowedAttrs))
		for _, k := range allowedAttrs {
			b.allowed[k] = struct{}{}
		}
	}
	return b, nil
}

func (b *diskBuilder) AddItem(rec *models.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return ErrFinalized
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(filterFeatures(rec, b.allowed))
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.Name, err)
	}
	if err := b.wb.Set(recordKey(b.count), data); err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.Name, err)
	}
	b.count++
	return nil
}

func (b *diskBuilder) Finalize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return ErrFinalized
	}
	b.finalized = true

	count := make([]byte, 8)
	binary.BigEndian.PutUint64(count, uint64(b.count))
	if err := b.wb.Set(countKey, count); err != nil {
		b.wb.Cancel()
		b.db.Close()
		return fmt.Errorf("failed to store record count: %w", err)
	}
	if err := b.wb.Flush(); err != nil {
		b.db.Close()
		return fmt.Errorf("failed to flush records: %w", err)
	}
	return b.db.Close()
}

func (b *diskBuilder) Abandon() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return ErrFinalized
	}
	b.finalized = true
	b.wb.Cancel()
	return b.db.Close()
}

func filterFeatures(rec *models.Record, allowed map[string]struct{}) *models.Record {
	if allowed == nil {
		return rec
	}
	out := &models.Record{
		Name:     rec.Name,
		Length:   rec.Length,
		Seconds:  rec.Seconds,
		Features: make(map[string]models.Feature, len(allowed)),
	}
	for k, f := range rec.Features {
		if _, ok := allowed[k]; ok {
			out.Features[k] = f
		}
	}
	return out
}

// IndexedDataset is a read-only view over a finalized split.
type IndexedDataset struct {
	db    *badger.DB
	count int
}

func OpenIndexedDataset(dir, split string) (*IndexedDataset, error) {
	opts := badger.DefaultOptions(DatasetPath(dir, split)).WithReadOnly(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	var count int
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(countKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt record count")
			}
			count = int(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		db.Close()
		return nil, ErrNotFinalized
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read record count: %w", err)
	}

	return &IndexedDataset{db: db, count: count}, nil
}

func (d *IndexedDataset) Len() int { return d.count }

// Get is safe for concurrent use.
func (d *IndexedDataset) Get(idx int) (*models.Record, error) {
	if idx < 0 || idx >= d.count {
		return nil, ErrRecordNotFound
	}

	var rec models.Record
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(idx))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %d: %w", idx, err)
	}
	return &rec, nil
}

func (d *IndexedDataset) Close() error {
	return d.db.Close()
}
