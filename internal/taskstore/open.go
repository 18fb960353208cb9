package taskstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Options struct {
	Backend    string
	Dir        string
	SQLitePath string
	Postgres   PostgresOptions
}

// Open returns the configured backend. The file backend is the default.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		return NewFileStore(opts.Dir)
	case BackendSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(opts.Dir, "tasks.db")
		}
		return OpenSQLite(ctx, path)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.Postgres)
	default:
		return nil, fmt.Errorf("unsupported state backend %q", opts.Backend)
	}
}
