package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"batchfetch/internal/config"
	"batchfetch/internal/metrics"
)

func newSQLiteTestStore(t *testing.T) *SQLStore {
	t.Helper()
	cfg := &config.Config{
		DBURL:                "sqlite://" + filepath.Join(t.TempDir(), "batchfetch.db"),
		DownloadsTable:       "downloads",
		BatchesTable:         "batches",
		DBAutoMigrate:        true,
		DatabaseQueryTimeout: 5 * time.Second,
	}

	store, err := NewSQLiteStore(context.Background(), cfg, metrics.New())
	if err != nil {
		// go-sqlite3 needs cgo
		t.Skipf("SQLite not available: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newSQLiteTestStore(t))
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	store := newSQLiteTestStore(t)
	if err := store.migrate(context.Background()); err != nil {
		t.Fatalf("second migrate error = %v", err)
	}
}

func TestSQLiteStore_URLtoDSN(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{
			name: "absolute path",
			url:  "sqlite:///var/lib/batchfetch/state.db",
			want: "file:/var/lib/batchfetch/state.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL",
		},
		{
			name: "sqlite3 scheme relative path",
			url:  "sqlite3://state.db",
			want: "file:state.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL",
		},
		{
			name: "in memory skips WAL",
			url:  "sqlite://:memory:",
			want: "file::memory:?_busy_timeout=5000&_foreign_keys=on",
		},
		{
			name: "extra query params are kept",
			url:  "sqlite://state.db?cache=shared",
			want: "file:state.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&cache=shared",
		},
		{
			name:    "missing path",
			url:     "sqlite://",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sqliteURLtoDSN(tt.url)

			if (err != nil) != tt.wantErr {
				t.Errorf("sqliteURLtoDSN() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if got != tt.want {
				t.Errorf("sqliteURLtoDSN() = %v, want %v", got, tt.want)
			}
		})
	}
}
