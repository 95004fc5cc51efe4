package database

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store names the three independent SQLite files the operator maintains.
type Store string

const (
	StoreTickets Store = "tickets"
	StoreActions Store = "actions"
	StoreEval    Store = "eval"
)

// ConfigForStore resolves the SQLite file path for one store under
// OPERATOR_DB_PATH (a directory), falling back to ./data, and ensures the
// directory exists.
func ConfigForStore(store Store) (Config, error) {
	base := os.Getenv("OPERATOR_DB_PATH")
	if base == "" {
		base = "./data"
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return Config{}, fmt.Errorf("failed to create db directory %s: %w", base, err)
	}
	return Config{
		Path:         filepath.Join(base, fmt.Sprintf("%s.db", store)),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, nil
}
