package protocol

import (
	"time"
)

const (
	ConversationTypeMain  = "main"
	ConversationTypeChunk = "chunk"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// --- Requests ---

type CreateMainConversationRequest struct {
	DocumentID string `json:"document_id" validate:"required"`
}

// Range is a half-open character range [Start, End) into a chunk's content.
type Range struct {
	Start int `json:"start" validate:"min=0"`
	End   int `json:"end" validate:"gtfield=Start"`
}

type CreateChunkConversationRequest struct {
	DocumentID    string `json:"document_id" validate:"required"`
	ChunkID       string `json:"chunk_id" validate:"required"`
	HighlightText string `json:"highlight_text" validate:"required"`
	Range         Range  `json:"highlight_range"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Content        string `json:"content" validate:"required"`
	// Client generated id of the optimistic user message, echoed back by the server.
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

type GetChunkConversationsRequest struct {
	DocumentID string `json:"document_id" validate:"required"`
	Sequence   int    `json:"sequence" validate:"min=0"`
}

type DocumentMetadataRequest struct {
	DocumentID string `json:"document_id" validate:"required"`
}

// --- Responses ---

type ConversationPayload struct {
	ID             string    `json:"id" validate:"required"`
	Type           string    `json:"type" validate:"oneof=main chunk"`
	DocumentID     string    `json:"document_id,omitempty"`
	ChunkID        string    `json:"chunk_id,omitempty"`
	HighlightText  string    `json:"highlight_text,omitempty"`
	HighlightRange *Range    `json:"highlight_range,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type MessagePayload struct {
	ID        string    `json:"id" validate:"required"`
	Role      string    `json:"role" validate:"oneof=user assistant system"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type SendMessageResponse struct {
	ConversationID string          `json:"conversation_id"`
	Sent           *MessagePayload `json:"sent,omitempty"`
	Reply          *MessagePayload `json:"reply,omitempty"`
}

type ListMessagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
}

type ChunkConversationsResponse struct {
	Sequence      int                   `json:"sequence"`
	ChunkID       string                `json:"chunk_id"`
	Conversations []ConversationPayload `json:"conversations"`
}

type ChunkPayload struct {
	ID       string `json:"id"`
	Sequence int    `json:"sequence"`
	Content  string `json:"content"`
	Length   int    `json:"length"`
}

type DocumentMetadata struct {
	DocumentID string         `json:"document_id"`
	Title      string         `json:"title"`
	PageCount  int            `json:"page_count,omitempty"`
	ChunkCount int            `json:"chunk_count"`
	Chunks     []ChunkPayload `json:"chunks,omitempty"`
}

// --- Streaming ---

type StreamToken struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type StreamCompleted struct {
	ConversationID string         `json:"conversation_id"`
	Message        MessagePayload `json:"message"`
}

// --- Errors ---

type LimitData struct {
	Limit            int       `json:"limit"`
	Used             int       `json:"used"`
	ResetAfter       time.Time `json:"reset_after"`
	ShowModalPricing bool      `json:"show_modal_pricing"`
}

// ErrorPayload is the data of every *.error frame. Streaming errors also carry the
// conversation id so they can be routed to the right relay.
type ErrorPayload struct {
	ConversationID string     `json:"conversation_id,omitempty"`
	Message        string     `json:"message"`
	ErrorType      string     `json:"error_type,omitempty"`
	Code           int        `json:"code,omitempty"`
	Data           *LimitData `json:"data,omitempty"`
}
