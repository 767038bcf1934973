// Package hypergraph implements the Hypergraph Memory Engine: a
// multi-step retrieval loop that grows a session's working memory
// (vertices + hyperedges) against a target query until an LLM sufficiency
// check says the memory is enough to answer, or a step budget runs out.
package hypergraph

import (
	"context"
	"sync"

	conduit "github.com/forgeworks/conduit"
)

// SessionStore is a durable, key-addressable collection of
// conduit.Session records, following the same single-writer-lock,
// snapshot-on-every-write persistence as TaskStore/DAGStore.
type SessionStore struct {
	path string

	mu       sync.RWMutex
	sessions map[string]conduit.Session
}

// NewSessionStore creates a SessionStore backed by path
// (hgmem-sessions.json in conduitd). Call Load before first use.
func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path, sessions: make(map[string]conduit.Session)}
}

// Load reads the snapshot file from disk. A missing file is not an error.
func (s *SessionStore) Load() error {
	var list []conduit.Session
	if err := loadJSON(s.path, &list); err != nil {
		return conduit.WrapFatal("hypergraph.store.load", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]conduit.Session, len(list))
	for _, sess := range list {
		s.sessions[sess.ID] = sess
	}
	return nil
}

// Create inserts a new Session and persists.
func (s *SessionStore) Create(ctx context.Context, sess conduit.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return s.saveLocked()
}

// Get fetches a Session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (conduit.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return conduit.Session{}, conduit.NewError(conduit.ClassNotFound, "hypergraph.store.get", "session not found: "+id)
	}
	return sess, nil
}

// Mutate applies fn to the session identified by id under the writer
// lock, persisting the result.
func (s *SessionStore) Mutate(ctx context.Context, id string, fn func(sess *conduit.Session)) (conduit.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return conduit.Session{}, conduit.NewError(conduit.ClassNotFound, "hypergraph.store.mutate", "session not found: "+id)
	}
	fn(&sess)
	s.sessions[id] = sess
	if err := s.saveLocked(); err != nil {
		return conduit.Session{}, err
	}
	return sess, nil
}

func (s *SessionStore) saveLocked() error {
	list := make([]conduit.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	return saveJSON(s.path, list)
}
