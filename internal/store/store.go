// Package store provides the key-value persistence backend for
// environment files. The gateway never talks to a backend directly; it
// goes through the Files adapter, which owns the key scheme.
//
// Backends:
//   - redis: managed deployments (shared store across gateway instances)
//   - sqlite: standalone single-process deployments
//   - memory: tests
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrNotFound is returned by Get for a key with no value.
var ErrNotFound = errors.New("store: key not found")

// KV is the minimal key-value contract every backend implements.
// ScanPrefix returns the full set of matching keys; backends paginate
// internally (Redis SCAN cursor, SQLite batched LIKE).
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

const (
	envKeyPrefix = "env:"
	fileKeyInfix = ":file:"
)

// escapeSegment escapes a client-controlled key segment so ":" appears
// unescaped only as a separator. Without this, an environment ID like
// "env1:file:b.py" would fabricate keys inside env1's scan range.
func escapeSegment(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, ":", `\:`)
	return s
}

// unescapeSegment reverses escapeSegment.
func unescapeSegment(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		out = append(out, s[i])
	}
	return string(out)
}

// fileKey maps (environmentID, fileName) to a flat KV key.
func fileKey(envID, name string) string {
	return envKeyPrefix + escapeSegment(envID) + fileKeyInfix + escapeSegment(name)
}

// filePrefix is the scan prefix covering every file of an environment.
func filePrefix(envID string) string {
	return envKeyPrefix + escapeSegment(envID) + fileKeyInfix
}

// Files adapts the flat KV store to per-environment file operations.
// File names are unique within an environment by construction of the
// key scheme.
type Files struct {
	kv KV
}

// NewFiles wraps a KV backend.
func NewFiles(kv KV) *Files {
	return &Files{kv: kv}
}

// Get returns the content of a file, or ErrNotFound.
func (f *Files) Get(ctx context.Context, envID, name string) (string, error) {
	return f.kv.Get(ctx, fileKey(envID, name))
}

// GetOrEmpty returns the content of a file, treating a missing file as
// empty content. Used by the edit engine, which creates files lazily.
func (f *Files) GetOrEmpty(ctx context.Context, envID, name string) (string, error) {
	content, err := f.kv.Get(ctx, fileKey(envID, name))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return content, err
}

// Set writes the content of a file.
func (f *Files) Set(ctx context.Context, envID, name, content string) error {
	return f.kv.Set(ctx, fileKey(envID, name), content)
}

// Delete removes a file. Deleting a missing file is not an error.
func (f *Files) Delete(ctx context.Context, envID, name string) error {
	return f.kv.Delete(ctx, fileKey(envID, name))
}

// List returns every file of an environment as a name→content map.
func (f *Files) List(ctx context.Context, envID string) (map[string]string, error) {
	prefix := filePrefix(envID)
	keys, err := f.kv.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	files := make(map[string]string, len(keys))
	for _, key := range keys {
		name := unescapeSegment(strings.TrimPrefix(key, prefix))
		content, err := f.kv.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			// Deleted between scan and read; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		files[name] = content
	}
	return files, nil
}

// Names returns the sorted file names of an environment.
func (f *Files) Names(ctx context.Context, envID string) ([]string, error) {
	prefix := filePrefix(envID)
	keys, err := f.kv.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, unescapeSegment(strings.TrimPrefix(key, prefix)))
	}
	sort.Strings(names)
	return names, nil
}
