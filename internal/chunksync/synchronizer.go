// Package chunksync tracks the document's chunks, which one is active, and the
// per-chunk highlight conversations with their open/closed and window state.
package chunksync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/protocol"
	"ai-docchat-client/internal/store"
)

const module = "ChunkSync"

var ErrUnknownChunk = errors.New("unknown chunk")

type Chunk struct {
	ID       string
	Sequence int
	Content  string
	Length   int
}

func ChunkFromPayload(p protocol.ChunkPayload) Chunk {
	c := Chunk{ID: p.ID, Sequence: p.Sequence, Content: p.Content, Length: p.Length}
	if c.Length == 0 {
		c.Length = utf8.RuneCountInString(c.Content)
	}
	return c
}

// Position is where a conversation window sits on screen.
type Position struct {
	X float64
	Y float64
}

// Conversations is the remote side: chunk conversation create and lookup.
type Conversations interface {
	CreateChunkConversation(ctx context.Context, req protocol.CreateChunkConversationRequest) (*protocol.ConversationPayload, error)
	GetChunkConversations(ctx context.Context, documentID string, sequence int) (*protocol.ChunkConversationsResponse, error)
}

type Synchronizer struct {
	documentID string
	remote     Conversations
	store      *store.Store
	logger     logger.ILogger

	mu        sync.RWMutex
	chunks    map[string]Chunk
	bySeq     map[int]string
	activeID  string
	open      map[string]bool
	positions map[string]Position
}

func New(documentID string, remote Conversations, st *store.Store, log logger.ILogger) *Synchronizer {
	return &Synchronizer{
		documentID: documentID,
		remote:     remote,
		store:      st,
		logger:     log,
		chunks:     make(map[string]Chunk),
		bySeq:      make(map[int]string),
		open:       make(map[string]bool),
		positions:  make(map[string]Position),
	}
}

// LoadChunks adds chunks. Chunks already loaded keep their content. The first
// chunk by sequence becomes active when none is.
func (s *Synchronizer) LoadChunks(chunks []Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if _, exists := s.chunks[c.ID]; exists {
			continue
		}
		s.chunks[c.ID] = c
		s.bySeq[c.Sequence] = c.ID
	}
	if s.activeID == "" && len(s.chunks) > 0 {
		s.activeID = s.sortedLocked()[0].ID
	}
}

func (s *Synchronizer) sortedLocked() []Chunk {
	out := make([]Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (s *Synchronizer) Chunk(id string) (Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	return c, ok
}

func (s *Synchronizer) ChunkBySequence(seq int) (Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySeq[seq]
	if !ok {
		return Chunk{}, false
	}
	return s.chunks[id], true
}

// Chunks returns all chunks ordered by sequence.
func (s *Synchronizer) Chunks() []Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *Synchronizer) ActiveChunk() (Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[s.activeID]
	return c, ok
}

// SetActiveChunk switches the active chunk. Conversations of the previous chunk
// stay registered with their toggle and window state.
func (s *Synchronizer) SetActiveChunk(chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[chunkID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChunk, chunkID)
	}
	s.activeID = chunkID
	return nil
}

// CreateChunkConversation validates r against the chunk before any request is
// made, then registers the created conversation and opens it. Nothing is registered
// when the request fails.
func (s *Synchronizer) CreateChunkConversation(ctx context.Context, chunkID string, r protocol.Range, text string) (*store.Conversation, error) {
	chunk, ok := s.Chunk(chunkID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChunk, chunkID)
	}
	if err := r.Check(chunk.Content); err != nil {
		return nil, err
	}
	if text == "" {
		text = r.Slice(chunk.Content)
	}

	created, err := s.remote.CreateChunkConversation(ctx, protocol.CreateChunkConversationRequest{
		DocumentID:    s.documentID,
		ChunkID:       chunkID,
		HighlightText: text,
		Range:         r,
	})
	if err != nil {
		s.logger.Warn(module, "Chunk conversation create failed", map[string]interface{}{
			"chunk_id": chunkID,
			"error":    err.Error(),
		})
		return nil, err
	}

	conv := store.ConversationFromPayload(*created)
	conv.Type = protocol.ConversationTypeChunk
	if conv.ChunkID == "" {
		conv.ChunkID = chunkID
	}
	if conv.HighlightText == "" {
		conv.HighlightText = text
	}
	if conv.HighlightRange == nil {
		rc := r
		conv.HighlightRange = &rc
	}
	if conv.DocumentID == "" {
		conv.DocumentID = s.documentID
	}

	s.store.AddConversation(conv)
	s.SetOpen(conv.ID, true)
	s.logger.Info(module, "Chunk conversation created", map[string]interface{}{
		"conversation_id": conv.ID,
		"chunk_id":        chunkID,
		"start":           r.Start,
		"end":             r.End,
	})
	return &conv, nil
}

// LoadChunkConversations fetches the conversations attached to the chunk at seq
// and registers them closed. Conversations already known keep their toggle state.
func (s *Synchronizer) LoadChunkConversations(ctx context.Context, seq int) ([]store.Conversation, error) {
	resp, err := s.remote.GetChunkConversations(ctx, s.documentID, seq)
	if err != nil {
		return nil, err
	}

	chunkID := resp.ChunkID
	if chunkID == "" {
		if c, ok := s.ChunkBySequence(seq); ok {
			chunkID = c.ID
		}
	}

	out := make([]store.Conversation, 0, len(resp.Conversations))
	for _, p := range resp.Conversations {
		conv := store.ConversationFromPayload(p)
		if conv.Type == "" {
			conv.Type = protocol.ConversationTypeChunk
		}
		if conv.ChunkID == "" {
			conv.ChunkID = chunkID
		}
		if _, known := s.store.Conversation(conv.ID); !known {
			s.store.AddConversation(conv)
		}
		out = append(out, conv)
	}
	s.logger.Debug(module, "Chunk conversations loaded", map[string]interface{}{
		"sequence": seq,
		"count":    len(out),
	})
	return out, nil
}

func (s *Synchronizer) Toggle(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[conversationID] = !s.open[conversationID]
	return s.open[conversationID]
}

func (s *Synchronizer) SetOpen(conversationID string, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[conversationID] = open
}

func (s *Synchronizer) IsOpen(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open[conversationID]
}

func (s *Synchronizer) SetPosition(conversationID string, p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[conversationID] = p
}

func (s *Synchronizer) Position(conversationID string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[conversationID]
	return p, ok
}

func (s *Synchronizer) Positions() map[string]Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// FallbackConversation returns the conversation to show for the active chunk: the
// given one if it is the main conversation or belongs to the active chunk,
// mainID otherwise.
func (s *Synchronizer) FallbackConversation(activeConversationID, mainID string) string {
	conv, ok := s.store.Conversation(activeConversationID)
	if !ok || !conv.IsChunk() {
		if ok {
			return activeConversationID
		}
		return mainID
	}
	s.mu.RLock()
	active := s.activeID
	s.mu.RUnlock()
	if conv.ChunkID == active {
		return activeConversationID
	}
	return mainID
}
