// Package document tracks open documents and feeds their text through the
// Twelf guest, one parse at a time, publishing the resulting diagnostics.
package document

import (
	"sort"
	"sync"

	"github.com/zeebo/xxh3"
)

// Document is a snapshot of an open document.
type Document struct {
	URI     string
	Version int32
	Text    string
	// xxh3 digest of Text.
	Digest uint64
}

// Store holds the open documents by URI.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{docs: make(map[string]*Document)}
}

// Open adds a document, replacing any previous one with the same URI.
func (s *Store) Open(uri string, version int32, text string) Document {
	doc := &Document{
		URI:     uri,
		Version: version,
		Text:    text,
		Digest:  xxh3.HashString(text),
	}

	s.mu.Lock()
	s.docs[uri] = doc
	s.mu.Unlock()

	return *doc
}

// Update replaces the full text of an open document.
func (s *Store) Update(uri string, version int32, text string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[uri]
	if !ok {
		return Document{}, &DocumentNotOpenError{URI: uri}
	}

	doc.Version = version
	doc.Text = text
	doc.Digest = xxh3.HashString(text)
	return *doc, nil
}

// Close removes a document. It reports whether the document was open.
func (s *Store) Close(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[uri]; !ok {
		return false
	}
	delete(s.docs, uri)
	return true
}

// Get returns a snapshot of an open document.
func (s *Store) Get(uri string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[uri]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// URIs returns the open document URIs in sorted order.
func (s *Store) URIs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uris := make([]string, 0, len(s.docs))
	for uri := range s.docs {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}
