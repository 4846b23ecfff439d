// Package store is the client-side cache of conversations, their message logs and
// their streaming state. All reads return copies.
package store

import (
	"sort"
	"sync"
	"time"

	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/protocol"
)

const module = "Store"

type Conversation struct {
	ID             string
	Type           string
	DocumentID     string
	ChunkID        string
	HighlightText  string
	HighlightRange *protocol.Range
	CreatedAt      time.Time
}

func (c Conversation) IsChunk() bool { return c.Type == protocol.ConversationTypeChunk }

func ConversationFromPayload(p protocol.ConversationPayload) Conversation {
	c := Conversation{
		ID:            p.ID,
		Type:          p.Type,
		DocumentID:    p.DocumentID,
		ChunkID:       p.ChunkID,
		HighlightText: p.HighlightText,
		CreatedAt:     p.CreatedAt,
	}
	if p.HighlightRange != nil {
		r := *p.HighlightRange
		c.HighlightRange = &r
	}
	return c
}

type Message struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time
}

func MessageFromPayload(p protocol.MessagePayload) Message {
	return Message{ID: p.ID, Role: p.Role, Content: p.Content, Timestamp: p.Timestamp}
}

func MessagesFromPayload(ps []protocol.MessagePayload) []Message {
	out := make([]Message, 0, len(ps))
	for _, p := range ps {
		out = append(out, MessageFromPayload(p))
	}
	return out
}

// StreamingState tracks the one in-flight streamed reply of a conversation.
type StreamingState struct {
	TargetMessageID    string
	IsStreaming        bool
	AccumulatedContent string
}

type entry struct {
	conversation Conversation
	messages     []Message
}

type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	streaming map[string]StreamingState
	observers []func(conversationID string)
	logger    logger.ILogger
}

func New(log logger.ILogger) *Store {
	return &Store{
		entries:   make(map[string]*entry),
		streaming: make(map[string]StreamingState),
		logger:    log,
	}
}

// OnChange registers fn to be called after every mutation of a conversation.
func (s *Store) OnChange(fn func(conversationID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) notify(conversationID string) {
	s.mu.RLock()
	observers := append([]func(string){}, s.observers...)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(conversationID)
	}
}

// AddConversation inserts c with an empty log. An existing id is overwritten.
func (s *Store) AddConversation(c Conversation) {
	s.mu.Lock()
	s.entries[c.ID] = &entry{conversation: c}
	s.mu.Unlock()
	s.notify(c.ID)
}

// AddMessage appends m to a known conversation. Messages for unknown conversations
// are dropped with a warning.
func (s *Store) AddMessage(conversationID string, m Message) bool {
	s.mu.Lock()
	e, ok := s.entries[conversationID]
	if ok {
		e.messages = append(e.messages, m)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn(module, "Dropping message for unknown conversation", map[string]interface{}{
			"conversation_id": conversationID,
			"message_id":      m.ID,
		})
		return false
	}
	s.notify(conversationID)
	return true
}

// SetMessages replaces the log verbatim.
func (s *Store) SetMessages(conversationID string, messages []Message) bool {
	s.mu.Lock()
	e, ok := s.entries[conversationID]
	if ok {
		e.messages = append([]Message(nil), messages...)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn(module, "Dropping history for unknown conversation", map[string]interface{}{
			"conversation_id": conversationID,
			"count":           len(messages),
		})
		return false
	}
	s.notify(conversationID)
	return true
}

func (s *Store) RemoveMessage(conversationID, messageID string) bool {
	s.mu.Lock()
	removed := false
	if e, ok := s.entries[conversationID]; ok {
		for i, m := range e.messages {
			if m.ID == messageID {
				e.messages = append(e.messages[:i:i], e.messages[i+1:]...)
				removed = true
				break
			}
		}
	}
	s.mu.Unlock()

	if removed {
		s.notify(conversationID)
	}
	return removed
}

// ReplaceMessage swaps the message with id oldID for m, keeping its position.
func (s *Store) ReplaceMessage(conversationID, oldID string, m Message) bool {
	s.mu.Lock()
	replaced := false
	if e, ok := s.entries[conversationID]; ok {
		for i := range e.messages {
			if e.messages[i].ID == oldID {
				e.messages[i] = m
				replaced = true
				break
			}
		}
	}
	s.mu.Unlock()

	if replaced {
		s.notify(conversationID)
	}
	return replaced
}

// UpdateMessageContent rewrites a message while its conversation is streaming.
func (s *Store) UpdateMessageContent(conversationID, messageID, content string) bool {
	s.mu.Lock()
	updated := s.updateContentLocked(conversationID, messageID, content)
	s.mu.Unlock()

	if updated {
		s.notify(conversationID)
	}
	return updated
}

func (s *Store) updateContentLocked(conversationID, messageID, content string) bool {
	if !s.streaming[conversationID].IsStreaming {
		return false
	}
	e, ok := s.entries[conversationID]
	if !ok {
		return false
	}
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			e.messages[i].Content = content
			return true
		}
	}
	return false
}

// GetMessages returns the log ordered by timestamp. Equal timestamps keep their
// insertion order.
func (s *Store) GetMessages(conversationID string) []Message {
	s.mu.RLock()
	e, ok := s.entries[conversationID]
	var out []Message
	if ok {
		out = append([]Message(nil), e.messages...)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// VisibleMessages is GetMessages without system messages.
func (s *Store) VisibleMessages(conversationID string) []Message {
	all := s.GetMessages(conversationID)
	out := all[:0]
	for _, m := range all {
		if m.Role != protocol.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Conversation{}, false
	}
	return e.conversation, true
}

// Conversations returns every conversation ordered by creation time, then id.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.conversation)
	}
	s.mu.RUnlock()
	sortConversations(out)
	return out
}

func (s *Store) ConversationsForChunk(chunkID string) []Conversation {
	s.mu.RLock()
	var out []Conversation
	for _, e := range s.entries {
		if e.conversation.IsChunk() && e.conversation.ChunkID == chunkID {
			out = append(out, e.conversation)
		}
	}
	s.mu.RUnlock()
	sortConversations(out)
	return out
}

func sortConversations(cs []Conversation) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

// BeginStreaming marks the conversation as streaming into targetMessageID.
func (s *Store) BeginStreaming(conversationID, targetMessageID string) {
	s.mu.Lock()
	s.streaming[conversationID] = StreamingState{TargetMessageID: targetMessageID, IsStreaming: true}
	s.mu.Unlock()
	s.notify(conversationID)
}

// UpdateStreaming replaces the accumulated content and mirrors it into the target
// message when that message is in the log.
func (s *Store) UpdateStreaming(conversationID, content string) bool {
	s.mu.Lock()
	st, ok := s.streaming[conversationID]
	if ok && st.IsStreaming {
		st.AccumulatedContent = content
		s.streaming[conversationID] = st
		s.updateContentLocked(conversationID, st.TargetMessageID, content)
	}
	s.mu.Unlock()

	if !ok || !st.IsStreaming {
		return false
	}
	s.notify(conversationID)
	return true
}

func (s *Store) EndStreaming(conversationID string) {
	s.mu.Lock()
	_, ok := s.streaming[conversationID]
	delete(s.streaming, conversationID)
	s.mu.Unlock()
	if ok {
		s.notify(conversationID)
	}
}

// StreamingState returns the zero value when nothing is streaming.
func (s *Store) StreamingState(conversationID string) StreamingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming[conversationID]
}
