package dedup

import (
	"errors"
	"os"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter remembers identifiers that reached a definitive outcome. It is a
// bloom filter, so a small fraction of never-seen identifiers report as seen;
// those are skipped, which the engine tolerates because coverage is
// best-effort.
type Filter struct {
	filter *bloom.BloomFilter
	mu     sync.Mutex
}

// NewFilter creates a filter sized for n entries at false-positive rate fp.
func NewFilter(n uint, fp float64) *Filter {
	return &Filter{filter: bloom.NewWithEstimates(n, fp)}
}

func (f *Filter) Test(s string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.TestString(s)
}

func (f *Filter) Add(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.AddString(s)
}

// ApproximateSize estimates how many distinct entries were added.
func (f *Filter) ApproximateSize() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.ApproximatedSize()
}

func (f *Filter) SaveToFile(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.filter.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadFromFile replaces the filter contents with a saved filter. A missing
// file is not an error.
func (f *Filter) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.UnmarshalBinary(data)
}
