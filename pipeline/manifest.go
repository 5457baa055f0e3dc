// Package pipeline records handled assets in a download manifest.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-manga/models"
)

// ErrManifestClosed is returned when Record is called after Close.
var ErrManifestClosed = errors.New("manifest: closed")

const (
	defaultDedupeSize = 100000
	defaultBatchSize  = 64
)

// OutputWriter defines the interface for manifest output.
type OutputWriter interface {
	Write(assets []*models.Asset) error
	Close() error
	Validate() error
}

// Stats counts what the manifest accepted and why it turned records away.
type Stats struct {
	Recorded map[models.AssetStatus]int
	Rejected map[string]int
}

// Manifest appends every asset path at most once to an OutputWriter, in
// batches. It is safe for concurrent use by the crawl goroutines.
type Manifest struct {
	writer    OutputWriter
	seen      *lru.Cache[string, struct{}]
	batchSize int

	mu       sync.Mutex
	pending  []*models.Asset
	recorded map[models.AssetStatus]int
	rejected map[string]int
	closed   bool
	err      error
}

// NewManifest remembers up to dedupeSize paths; 0 picks the default.
func NewManifest(writer OutputWriter, dedupeSize int) (*Manifest, error) {
	if dedupeSize <= 0 {
		dedupeSize = defaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("manifest dedupe cache: %w", err)
	}
	return &Manifest{
		writer:    writer,
		seen:      seen,
		batchSize: defaultBatchSize,
		recorded:  make(map[models.AssetStatus]int),
		rejected:  make(map[string]int),
	}, nil
}

// Record queues assets for the manifest. Invalid records and paths already
// recorded are counted and dropped. A full batch is written before Record
// returns; the first write error sticks and is returned from then on.
func (m *Manifest) Record(assets ...*models.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	if m.closed {
		return ErrManifestClosed
	}

	for _, asset := range assets {
		if err := ValidateAsset(asset); err != nil {
			m.rejected["invalid_record"]++
			continue
		}
		if found, _ := m.seen.ContainsOrAdd(asset.Path, struct{}{}); found {
			m.rejected["duplicate_path"]++
			continue
		}
		m.pending = append(m.pending, asset)
		m.recorded[asset.Status]++

		if len(m.pending) >= m.batchSize {
			if err := m.flushLocked(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes whatever is pending.
func (m *Manifest) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	return m.flushLocked()
}

// Close flushes pending records and closes the writer. Closing twice is a no-op.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.err
	}
	m.closed = true

	var errs []error
	if m.err == nil {
		if err := m.flushLocked(); err != nil {
			errs = append(errs, err)
		}
	} else {
		errs = append(errs, m.err)
	}
	if err := m.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	m.err = errors.Join(errs...)
	return m.err
}

// Stats returns a snapshot of the counters.
func (m *Manifest) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Recorded: make(map[models.AssetStatus]int, len(m.recorded)),
		Rejected: make(map[string]int, len(m.rejected)),
	}
	for k, v := range m.recorded {
		s.Recorded[k] = v
	}
	for k, v := range m.rejected {
		s.Rejected[k] = v
	}
	return s
}

func (m *Manifest) flushLocked() error {
	if len(m.pending) == 0 {
		return nil
	}
	if err := m.writer.Write(m.pending); err != nil {
		m.err = fmt.Errorf("write manifest batch: %w", err)
		return m.err
	}
	m.pending = m.pending[:0]
	return nil
}

// ValidateAsset ensures an asset can be located again from the manifest.
func ValidateAsset(a *models.Asset) error {
	if a == nil {
		return fmt.Errorf("asset is nil")
	}
	if strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("asset missing url")
	}
	if strings.TrimSpace(a.Path) == "" {
		return fmt.Errorf("asset missing path for %s", a.URL)
	}
	return nil
}
