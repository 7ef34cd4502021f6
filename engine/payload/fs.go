package payload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/elspeth-engine/elspeth/engine/canonical"
)

// FSStore is a filesystem content-addressed Store.
//
// Blobs live under root/<first two hash chars>/<hash>. Writes go
// through a temp file followed by an atomic rename, so a crash never
// leaves a partially written blob behind a valid ref, and concurrent
// Puts of the same content converge on one file.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at dir, creating the
// directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New("payload: store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("payload: create store root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

// Put implements Store.
func (f *FSStore) Put(_ context.Context, data []byte) (Ref, error) {
	hash := canonical.HashBytes(data)
	dir := filepath.Join(f.root, hash[:2])
	final := filepath.Join(dir, hash)

	// Content addressing: an existing file already holds these bytes.
	if _, err := os.Stat(final); err == nil {
		return Ref("fs:" + hash), nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("payload: create shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, hash+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("payload: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("payload: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("payload: close blob: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		// A concurrent Put may have won the rename; that is success.
		if _, statErr := os.Stat(final); statErr == nil {
			return Ref("fs:" + hash), nil
		}
		return "", fmt.Errorf("payload: commit blob: %w", err)
	}
	return Ref("fs:" + hash), nil
}

// Get implements Store.
func (f *FSStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	path, err := f.pathFor(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("payload: read blob: %w", err)
	}
	return data, nil
}

// Purge implements Store.
func (f *FSStore) Purge(_ context.Context, ref Ref) error {
	path, err := f.pathFor(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("payload: purge blob: %w", err)
	}
	return nil
}

func (f *FSStore) pathFor(ref Ref) (string, error) {
	s := string(ref)
	const prefix = "fs:"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return "", fmt.Errorf("payload: ref %q is not a filesystem ref", ref)
	}
	hash := s[len(prefix):]
	if len(hash) < 3 {
		return "", fmt.Errorf("payload: malformed ref %q", ref)
	}
	return filepath.Join(f.root, hash[:2], hash), nil
}
