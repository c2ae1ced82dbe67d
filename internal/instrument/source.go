package instrument

import (
	"context"
	"fmt"
	"strings"

	"traction/internal/blob"
)

// BlobScheme prefixes catalogue locations that live in the blob store.
const BlobScheme = "blob://"

// LoadBlob reads a YAML catalogue stored under key in the blob store.
func LoadBlob(ctx context.Context, store blob.Store, key string) (*Catalog, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store required to load %s", key)
	}
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get instrument catalogue %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	return Load(rc)
}

// Open resolves a catalogue location. An empty location yields the embedded
// default, a blob:// location is read from store and anything else is a file path.
func Open(ctx context.Context, location string, store blob.Store) (*Catalog, error) {
	switch {
	case strings.TrimSpace(location) == "":
		return Default(), nil
	case strings.HasPrefix(location, BlobScheme):
		return LoadBlob(ctx, store, strings.TrimPrefix(location, BlobScheme))
	default:
		return LoadFile(location)
	}
}
