package transport

import (
	"sync"

	"ai-docchat-client/internal/pkg/logger"
)

// Factory builds the session for a document.
type Factory func(documentID string) (*Session, error)

// Registry keeps exactly one Session per document id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	factory  Factory
	logger   logger.ILogger
}

func NewRegistry(factory Factory, log logger.ILogger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		factory:  factory,
		logger:   log,
	}
}

// Open returns the document's session, creating it on first use.
func (r *Registry) Open(documentID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[documentID]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[documentID]; ok {
		return s, nil
	}
	s, err := r.factory(documentID)
	if err != nil {
		return nil, err
	}
	r.sessions[documentID] = s
	r.logger.Info(module, "Session registered", map[string]interface{}{"document_id": documentID})
	return s, nil
}

func (r *Registry) Get(documentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[documentID]
	return s, ok
}

// Release closes and forgets the document's session.
func (r *Registry) Release(documentID string) error {
	r.mu.Lock()
	s, ok := r.sessions[documentID]
	delete(r.sessions, documentID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.logger.Info(module, "Session released", map[string]interface{}{"document_id": documentID})
	return s.Close()
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
