// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

// Package docstore persists the shared application document: one JSON object
// holding a named subtree per subsystem (license storage, webhook handler).
// Writers always load the entire document, mutate only their own subtree, and
// save the entire document back; the Gateway serializes those read-modify-write
// cycles so subsystems cannot clobber each other.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Document is the full persisted object, keyed by subsystem.
type Document map[string]json.RawMessage

// Store loads and saves the whole document. Implementations do not need to be
// safe for concurrent use; callers go through a Gateway.
type Store interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
	Close() error
}

// Gateway is the single serialization point for document access. Every
// read-modify-write cycle holds the gateway lock from load to save.
type Gateway struct {
	store Store
	mu    sync.Mutex
}

func NewGateway(store Store) *Gateway {
	return &Gateway{store: store}
}

// Read unmarshals the subtree under key into v. Returns false if the key is
// absent from the document.
func (g *Gateway) Read(ctx context.Context, key string, v any) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, err := g.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load document: %w", err)
	}

	raw, ok := doc[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %q subtree: %w", key, err)
	}

	return true, nil
}

// Update runs fn over the subtree under key and persists the result. The raw
// argument is nil when the key does not exist yet; fn returns the replacement
// value for the subtree. The full document is written back in one save.
func (g *Gateway) Update(ctx context.Context, key string, fn func(raw json.RawMessage) (any, error)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	updated, err := fn(doc[key])
	if err != nil {
		return err
	}

	raw, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to encode %q subtree: %w", key, err)
	}

	if doc == nil {
		doc = Document{}
	}
	doc[key] = raw

	if err := g.store.Save(ctx, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	return nil
}

// Close closes the underlying store.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Close()
}

// MemoryStore keeps the document in memory. Used by tests and by embedding
// hosts that supply their own persistence.
type MemoryStore struct {
	doc Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{doc: Document{}}
}

func (s *MemoryStore) Load(_ context.Context) (Document, error) {
	// Deep copy so callers cannot mutate the stored document in place
	copied := make(Document, len(s.doc))
	for k, v := range s.doc {
		copied[k] = append(json.RawMessage(nil), v...)
	}
	return copied, nil
}

func (s *MemoryStore) Save(_ context.Context, doc Document) error {
	copied := make(Document, len(doc))
	for k, v := range doc {
		copied[k] = append(json.RawMessage(nil), v...)
	}
	s.doc = copied
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// FileStore persists the document as a JSON file, written atomically via a
// temp file and rename so an interrupted save never truncates existing data.
type FileStore struct {
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(_ context.Context) (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, nil
		}
		return nil, err
	}

	if len(data) == 0 {
		return Document{}, nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document file: %w", err)
	}

	return doc, nil
}

func (s *FileStore) Save(_ context.Context, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmp, s.path)
}

func (s *FileStore) Close() error {
	return nil
}
