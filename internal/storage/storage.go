package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bdougie/deepverify/internal/models"
)

const (
	batchSize = 10 // Number of new entries to batch before writing

	// DefaultMaxDistance disables fingerprint matching. A manipulated copy of
	// cached footage is a near duplicate at fingerprint resolution, so only
	// exact digests are served unless a distance is configured.
	DefaultMaxDistance = 0
)

// Key identifies a sampled frame set
type Key struct {
	Digest      string
	Fingerprint []float32
}

// Cache stores verdicts for frame sets that were already analyzed
type Cache interface {
	// Lookup returns a verdict for the same or a near-identical frame set
	Lookup(ctx context.Context, key Key) (*models.Verdict, bool, error)

	// Store records the verdict for a frame set
	Store(ctx context.Context, key Key, verdict models.Verdict) error
}

// Digest hashes the encoded frames in order
func Digest(frames models.FrameSequence) string {
	h := sha256.New()
	for _, f := range frames {
		fmt.Fprintf(h, "%d:", len(f.Data))
		h.Write(f.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	Digest      string         `json:"digest"`
	Fingerprint []float32      `json:"fingerprint,omitempty"`
	Verdict     models.Verdict `json:"verdict"`
	CreatedAt   time.Time      `json:"created_at"`
}

// FileCache keeps entries in memory and writes them to a JSON file in batches.
// An empty path keeps everything in memory.
type FileCache struct {
	mu          sync.Mutex
	entries     map[string]entry
	pending     int
	path        string
	maxDistance float64
}

// NewFileCache loads any entries already present at path. A maxDistance
// of 0 restricts lookups to exact digests.
func NewFileCache(path string, maxDistance float64) (*FileCache, error) {
	c := &FileCache{
		entries:     make(map[string]entry),
		path:        path,
		maxDistance: maxDistance,
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var existing []entry
	if err := json.Unmarshal(data, &existing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache file: %w", err)
	}
	for _, e := range existing {
		c.entries[e.Digest] = e
	}
	return c, nil
}

// NewMemoryCache returns a cache that never touches disk
func NewMemoryCache() *FileCache {
	c, _ := NewFileCache("", DefaultMaxDistance)
	return c
}

// Lookup tries the exact digest first, then the nearest fingerprint when
// matching is enabled
func (c *FileCache) Lookup(ctx context.Context, key Key) (*models.Verdict, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key.Digest]; ok {
		v := e.Verdict
		return &v, true, nil
	}
	if c.maxDistance <= 0 || len(key.Fingerprint) == 0 {
		return nil, false, nil
	}

	var best *entry
	bestDistance := c.maxDistance
	for _, e := range c.entries {
		if len(e.Fingerprint) != len(key.Fingerprint) {
			continue
		}
		if d := CosineDistance(e.Fingerprint, key.Fingerprint); d <= bestDistance {
			e := e
			best, bestDistance = &e, d
		}
	}
	if best == nil {
		return nil, false, nil
	}
	v := best.Verdict
	return &v, true, nil
}

// Store adds an entry and flushes when the batch is full
func (c *FileCache) Store(ctx context.Context, key Key, verdict models.Verdict) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key.Digest] = entry{
		Digest:      key.Digest,
		Fingerprint: key.Fingerprint,
		Verdict:     verdict,
		CreatedAt:   time.Now().UTC(),
	}
	c.pending++

	if c.pending >= batchSize {
		return c.flush()
	}
	return nil
}

// Len reports the number of cached verdicts
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush writes all pending entries to disk
func (c *FileCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush()
}

func (c *FileCache) flush() error {
	if c.path == "" || c.pending == 0 {
		c.pending = 0
		return nil
	}

	all := make([]entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for cache: %w", err)
	}

	tmp := c.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if err := json.NewEncoder(file).Encode(all); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode cache: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	c.pending = 0
	return nil
}

// CosineDistance is 1 - cos(a, b); zero vectors are maximally distant
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
