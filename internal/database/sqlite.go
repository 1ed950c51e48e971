package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"batchfetch/internal/config"
	"batchfetch/internal/metrics"
)

// NewSQLiteStore creates a store on a local SQLite file
func NewSQLiteStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*SQLStore, error) {
	dsn, err := sqliteURLtoDSN(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("invalid sqlite url: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open error: %w", err)
	}
	// One writer; also keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite connect error: %w", err)
	}

	s := newSQLStore(db, dialectSQLite, cfg.DownloadsTable, cfg.BatchesTable, cfg.DatabaseQueryTimeout, m)
	if cfg.DBAutoMigrate {
		if err := s.migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// sqliteURLtoDSN converts sqlite:///path/to/file.db to a go-sqlite3 DSN
func sqliteURLtoDSN(urlStr string) (string, error) {
	path := urlStr
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(path, prefix) {
			path = strings.TrimPrefix(path, prefix)
			break
		}
	}

	query := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, query = path[:i], path[i+1:]
	}
	if path == "" {
		return "", fmt.Errorf("missing database path")
	}

	params := []string{"_busy_timeout=5000", "_foreign_keys=on"}
	if path != ":memory:" {
		params = append(params, "_journal_mode=WAL")
	}
	if query != "" {
		params = append(params, query)
	}
	return "file:" + path + "?" + strings.Join(params, "&"), nil
}
