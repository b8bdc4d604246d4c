package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// JSONFileStore persists the document as one indented JSON file.
type JSONFileStore struct {
	Path string
}

// NewJSONFileStore returns a store backed by the file at path.
func NewJSONFileStore(path string) *JSONFileStore {
	return &JSONFileStore{Path: path}
}

// Load reads the file. A missing file yields an empty document; an unreadable
// or corrupt file is an error rather than a silent reset.
func (s *JSONFileStore) Load(ctx context.Context) (*Document, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read store %s: %w", s.Path, err)
	}
	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse store %s: %w", s.Path, err)
	}
	return doc.normalize(), nil
}

// Save writes to a temp file and renames it over the target.
func (s *JSONFileStore) Save(ctx context.Context, doc *Document) error {
	data, err := json.MarshalIndent(doc.normalize(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (s *JSONFileStore) Close() error { return nil }
