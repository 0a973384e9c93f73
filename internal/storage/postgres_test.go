package storage

import (
	"context"
	"os"
	"testing"

	"github.com/bdougie/deepverify/internal/embeddings"
	"github.com/bdougie/deepverify/internal/models"
)

// Requires a PostgreSQL with the pgvector extension available
func TestPostgresCache(t *testing.T) {
	url := os.Getenv("DEEPVERIFY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DEEPVERIFY_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	c, err := NewPostgresCache(ctx, url, 0.02)
	if err != nil {
		t.Fatalf("NewPostgresCache: %v", err)
	}
	defer c.Close()

	fp := make([]float32, embeddings.Dimensions)
	fp[0] = 1
	key := Key{Digest: Digest(models.FrameSequence{{Data: []byte(t.Name())}}), Fingerprint: fp}

	if err := c.Store(ctx, key, models.Verdict{IsAuthentic: true, Confidence: 88}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	v, ok, err := c.Lookup(ctx, Key{Digest: key.Digest})
	if err != nil || !ok || v.Confidence != 88 {
		t.Fatalf("exact lookup = %+v, %v, %v", v, ok, err)
	}

	v, ok, err = c.Lookup(ctx, Key{Digest: "no-such-digest", Fingerprint: fp})
	if err != nil || !ok || !v.IsAuthentic {
		t.Fatalf("nearest lookup = %+v, %v, %v", v, ok, err)
	}
}
