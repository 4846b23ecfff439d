package correlator

import (
	"context"
	"fmt"
	"time"

	"ai-docchat-client/internal/protocol"
)

type Timeouts struct {
	Read   time.Duration
	Create time.Duration
	Send   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Read:   protocol.DefaultReadTimeout,
		Create: protocol.DefaultCreateTimeout,
		Send:   protocol.DefaultSendTimeout,
	}
}

// identity is the Expect set of a request.
type identity = map[string]interface{}

func callInto[T any](ctx context.Context, c *Correlator, op protocol.Op, payload interface{}, expect identity, timeout time.Duration) (*T, error) {
	if payload != nil {
		if err := protocol.Validate(payload); err != nil {
			return nil, fmt.Errorf("%s: %w", op.Request, err)
		}
	}
	raw, err := c.Call(ctx, Request{Op: op, Payload: payload, Timeout: timeout, Expect: expect})
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := (protocol.Frame{Type: op.Completed, Data: raw}).Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Correlator) CreateMainConversation(ctx context.Context, documentID string) (*protocol.ConversationPayload, error) {
	conv, err := callInto[protocol.ConversationPayload](ctx, c, protocol.OpCreateMainConversation,
		protocol.CreateMainConversationRequest{DocumentID: documentID}, identity{"document_id": documentID}, c.timeouts.Create)
	if err != nil {
		return nil, err
	}
	if conv.Type == "" {
		conv.Type = protocol.ConversationTypeMain
	}
	if err := protocol.Validate(conv); err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.OpCreateMainConversation.Completed, err)
	}
	return conv, nil
}

func (c *Correlator) CreateChunkConversation(ctx context.Context, req protocol.CreateChunkConversationRequest) (*protocol.ConversationPayload, error) {
	conv, err := callInto[protocol.ConversationPayload](ctx, c, protocol.OpCreateChunkConversation, req,
		identity{"chunk_id": req.ChunkID}, c.timeouts.Create)
	if err != nil {
		return nil, err
	}
	if conv.Type == "" {
		conv.Type = protocol.ConversationTypeChunk
	}
	if err := protocol.Validate(conv); err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.OpCreateChunkConversation.Completed, err)
	}
	return conv, nil
}

// SendMessage is the non-streaming send acknowledged by conversation.message.send.completed.
func (c *Correlator) SendMessage(ctx context.Context, req protocol.SendMessageRequest) (*protocol.SendMessageResponse, error) {
	return callInto[protocol.SendMessageResponse](ctx, c, protocol.OpSendMessage, req,
		identity{"conversation_id": req.ConversationID}, c.timeouts.Send)
}

func (c *Correlator) ListMessages(ctx context.Context, conversationID string) (*protocol.ListMessagesResponse, error) {
	return callInto[protocol.ListMessagesResponse](ctx, c, protocol.OpListMessages,
		protocol.ListMessagesRequest{ConversationID: conversationID}, identity{"conversation_id": conversationID}, c.timeouts.Read)
}

func (c *Correlator) GetChunkConversations(ctx context.Context, documentID string, sequence int) (*protocol.ChunkConversationsResponse, error) {
	return callInto[protocol.ChunkConversationsResponse](ctx, c, protocol.OpGetChunkConversations,
		protocol.GetChunkConversationsRequest{DocumentID: documentID, Sequence: sequence}, identity{"sequence": sequence}, c.timeouts.Read)
}

func (c *Correlator) DocumentMetadata(ctx context.Context, documentID string) (*protocol.DocumentMetadata, error) {
	return callInto[protocol.DocumentMetadata](ctx, c, protocol.OpDocumentMetadata,
		protocol.DocumentMetadataRequest{DocumentID: documentID}, identity{"document_id": documentID}, c.timeouts.Read)
}
