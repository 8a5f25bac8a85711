package state

import "context"

// Store is the string key-value store every component persists through.
// Get reports a missing key with ok=false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Scanner interface {
	Scan(ctx context.Context, prefix string) (map[string]string, []string, error)
}
