// Package payload provides content-addressed blob storage for audit
// payloads that are too large to inline into the Landscape database.
//
// The recorder decides per field whether a payload is inlined
// (*_json / *_data columns) or stored here and referenced (*_ref
// columns). References are opaque strings prefixed with the store
// scheme so mixed-backend audit databases stay readable.
package payload

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a ref does not resolve to stored bytes.
var ErrNotFound = errors.New("payload not found")

// Ref is an opaque reference to a stored payload.
type Ref string

// Store is a content-addressed blob store.
//
// Put must be safe for concurrent use; storing identical content twice
// must yield the same ref (content addressing makes the write
// idempotent). Purge removes the blob for retention; callers are
// responsible for clearing the audit columns that referenced it.
type Store interface {
	// Put stores data and returns a stable reference to it.
	Put(ctx context.Context, data []byte) (Ref, error)

	// Get retrieves the bytes for ref. Returns ErrNotFound if the
	// payload was never stored or has been purged.
	Get(ctx context.Context, ref Ref) ([]byte, error)

	// Purge removes the payload for ref. Purging an unknown ref is not
	// an error; retention sweeps may run more than once.
	Purge(ctx context.Context, ref Ref) error
}
