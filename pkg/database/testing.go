package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// NewTestClient opens a migrated SQLite database in a per-test temp dir.
// The client is closed via t.Cleanup; the file disappears with the temp dir.
func NewTestClient(t *testing.T) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig(filepath.Join(t.TempDir(), "gateway-test.db"))
	client, err := NewClient(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
