// Package persistence defines the optional storage backend port (§6)
// and a pending-mutation queue built on top of it. Concrete backends
// (e.g. storage/postgres) are collaborators; the core only depends on
// this interface.
package persistence

import "context"

// StorageBackend is the optional persistence port. All operations are
// async (take a context) since a real backend is typically a disk or
// network round trip. subKey is derived from a Key's canonical string
// form (§4.1).
type StorageBackend interface {
	Store(ctx context.Context, subKey string, bytes []byte) error
	Retrieve(ctx context.Context, subKey string) ([]byte, bool, error)
	Remove(ctx context.Context, subKey string) error
	ListKeys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}
