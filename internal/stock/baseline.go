package stock

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/wesm/offlinesales/internal/payload"
)

// Baseline holds the last known remote stock per product.
// It is safe for concurrent use.
type Baseline struct {
	mu     sync.RWMutex
	levels map[string]int
}

// NewBaseline returns a Baseline seeded with a copy of levels.
func NewBaseline(levels map[string]int) *Baseline {
	b := &Baseline{levels: make(map[string]int, len(levels))}
	maps.Copy(b.levels, levels)
	return b
}

// LoadBaseline reads a JSON object of product id to stock from
// path. A missing file yields an empty baseline.
func LoadBaseline(path string) (*Baseline, error) {
	b := NewBaseline(nil)
	if err := b.Reload(path); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload replaces the levels with the contents of path. On error
// the current levels are kept.
func (b *Baseline) Reload(path string) error {
	levels, err := readLevels(path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.levels = levels
	b.mu.Unlock()
	return nil
}

// Replace swaps in levels fetched from the remote. Negative
// values are rejected and the current levels kept.
func (b *Baseline) Replace(levels map[string]int) error {
	if err := checkLevels(levels); err != nil {
		return err
	}
	fresh := make(map[string]int, len(levels))
	maps.Copy(fresh, levels)
	b.mu.Lock()
	b.levels = fresh
	b.mu.Unlock()
	return nil
}

func readLevels(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading stock file: %w", err)
	}
	levels := map[string]int{}
	if err := json.Unmarshal(data, &levels); err != nil {
		return nil, fmt.Errorf("parsing stock file: %w", err)
	}
	if err := checkLevels(levels); err != nil {
		return nil, fmt.Errorf("parsing stock file: %w", err)
	}
	return levels, nil
}

func checkLevels(levels map[string]int) error {
	for pid, qty := range levels {
		if qty < 0 {
			return fmt.Errorf("%s has negative stock %d", pid, qty)
		}
	}
	return nil
}

// Save writes the levels to path, replacing it atomically.
func (b *Baseline) Save(path string) error {
	out, err := json.MarshalIndent(b.Levels(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stock: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating stock dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("writing stock file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing stock file: %w", err)
	}
	return nil
}

// Levels returns a copy of the current levels.
func (b *Baseline) Levels() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.levels)
}

// Stock returns the level for one product; unknown products
// have zero stock.
func (b *Baseline) Stock(productID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.levels[productID]
}

// Set records a fresh remote value for one product.
func (b *Baseline) Set(productID string, qty int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.levels[productID] = max(qty, 0)
}

// Consume subtracts items from the levels after the remote side
// confirmed the matching stock movement. Levels never go below
// zero.
func (b *Baseline) Consume(items []payload.Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range items {
		if it.ProductID == "" || it.Quantity <= 0 {
			continue
		}
		b.levels[it.ProductID] = max(b.levels[it.ProductID]-it.Quantity, 0)
	}
}
