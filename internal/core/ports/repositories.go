package ports

import (
	"context"
)

// StateStore is a key/value persistence backend. Load returns
// domain.ErrKeyNotFound for keys that were never saved.
type StateStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
