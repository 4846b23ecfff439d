// Package docchat is the per-document client: one session, its correlated
// operations, the streamed send with optimistic local state, and the state events
// collaborators render from.
package docchat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ai-docchat-client/internal/auth"
	"ai-docchat-client/internal/chunksync"
	"ai-docchat-client/internal/correlator"
	"ai-docchat-client/internal/eventbus"
	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/protocol"
	"ai-docchat-client/internal/repository/memory"
	"ai-docchat-client/internal/store"
	"ai-docchat-client/internal/streaming"
	"ai-docchat-client/internal/transport"
	"ai-docchat-client/pkg/events"

	"github.com/google/uuid"
)

const module = "DocChat"

var ErrUnknownConversation = errors.New("unknown conversation")

type Options struct {
	Credential *auth.Credential
	Timeouts   correlator.Timeouts
	Stream     streaming.Settings
	// Release tears the session down on Close. Defaults to closing the session.
	Release func() error
	// Now is the clock used for credential checks and optimistic timestamps.
	Now func() time.Time
}

type Client struct {
	documentID string
	session    *transport.Session
	correlator *correlator.Correlator
	relay      *streaming.Relay
	store      *store.Store
	chunks     *chunksync.Synchronizer
	outbox     *outbox
	metadata   *memory.MetadataRepository
	logger     logger.ILogger

	credential *auth.Credential
	release    func() error
	now        func() time.Time
	newID      func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	mainID string
	meta   *protocol.DocumentMetadata
}

// New wires a client around session. bus and metadata may be nil.
func New(session *transport.Session, opts Options, bus eventbus.Publisher, metadata *memory.MetadataRepository, log logger.ILogger) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timeouts == (correlator.Timeouts{}) {
		opts.Timeouts = correlator.DefaultTimeouts()
	}
	if opts.Release == nil {
		opts.Release = session.Close
	}

	st := store.New(log)
	corr := correlator.New(session, opts.Timeouts, log)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		documentID: session.DocumentID(),
		session:    session,
		correlator: corr,
		relay:      streaming.NewRelay(session, st, opts.Stream, log),
		store:      st,
		chunks:     chunksync.New(session.DocumentID(), corr, st, log),
		metadata:   metadata,
		logger:     log,
		credential: opts.Credential,
		release:    opts.Release,
		now:        opts.Now,
		newID:      uuid.NewString,
		ctx:        ctx,
		cancel:     cancel,
	}

	if bus != nil {
		c.outbox = newOutbox(bus, log)
	}

	if metadata != nil {
		if cached, ok := metadata.Get(c.documentID); ok {
			c.applyMetadata(cached)
		}
	}

	session.OnStateChange(c.onStateChange)
	session.OnOpen(func() { go c.refreshMetadata() })
	st.OnChange(c.onStoreChange)
	return c
}

func (c *Client) DocumentID() string { return c.documentID }
func (c *Client) State() transport.State { return c.session.State() }
func (c *Client) Store() *store.Store { return c.store }
func (c *Client) Chunks() *chunksync.Synchronizer { return c.chunks }
func (c *Client) Session() *transport.Session { return c.session }
func (c *Client) Messages(conversationID string) []store.Message {
	return c.store.VisibleMessages(conversationID)
}

// Connect checks the credential, then opens the session.
func (c *Client) Connect(ctx context.Context) error {
	if c.credential != nil {
		if err := c.credential.Check(c.now()); err != nil {
			c.logger.Warn(module, "Refusing to connect with expired credential", map[string]interface{}{
				"document_id": c.documentID,
				"subject":     c.credential.Subject,
			})
			return err
		}
	}
	return c.session.Connect(ctx)
}

func (c *Client) CreateMainConversation(ctx context.Context) (*store.Conversation, error) {
	created, err := c.correlator.CreateMainConversation(ctx, c.documentID)
	if err != nil {
		return nil, err
	}
	conv := store.ConversationFromPayload(*created)
	if conv.DocumentID == "" {
		conv.DocumentID = c.documentID
	}
	c.store.AddConversation(conv)

	c.mu.Lock()
	c.mainID = conv.ID
	c.mu.Unlock()

	c.logger.Info(module, "Main conversation created", map[string]interface{}{
		"document_id":     c.documentID,
		"conversation_id": conv.ID,
	})
	return &conv, nil
}

func (c *Client) MainConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mainID
}

func (c *Client) CreateChunkConversation(ctx context.Context, chunkID string, r protocol.Range, text string) (*store.Conversation, error) {
	return c.chunks.CreateChunkConversation(ctx, chunkID, r, text)
}

func (c *Client) LoadChunkConversations(ctx context.Context, sequence int) ([]store.Conversation, error) {
	return c.chunks.LoadChunkConversations(ctx, sequence)
}

func (c *Client) SetActiveChunk(chunkID string) error {
	return c.chunks.SetActiveChunk(chunkID)
}

// ConversationForActiveChunk is the conversation to show after a chunk switch.
func (c *Client) ConversationForActiveChunk(currentID string) string {
	return c.chunks.FallbackConversation(currentID, c.MainConversationID())
}

// SendMessage streams a reply with optimistic local state. The user message and
// an assistant placeholder keyed by the conversation id appear immediately; the
// placeholder becomes the final reply on completion and is removed on failure.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, h streaming.Handlers) (*store.Message, error) {
	if _, ok := c.store.Conversation(conversationID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	slot, err := c.relay.Reserve(conversationID, h)
	if err != nil {
		return nil, err
	}

	now := c.now()
	user := store.Message{ID: c.newID(), Role: protocol.RoleUser, Content: content, Timestamp: now}
	placeholder := store.Message{ID: conversationID, Role: protocol.RoleAssistant, Timestamp: now}
	c.store.AddMessage(conversationID, user)
	c.store.AddMessage(conversationID, placeholder)

	reply, err := slot.Send(ctx, content)
	if err != nil {
		c.store.RemoveMessage(conversationID, placeholder.ID)
		if errors.Is(err, streaming.ErrNotSent) {
			c.store.RemoveMessage(conversationID, user.ID)
		}
		if protocol.IsLimitExceeded(err) {
			c.logger.Warn(module, "Usage limit reached", map[string]interface{}{"conversation_id": conversationID})
		}
		return nil, err
	}

	final := store.MessageFromPayload(*reply)
	if final.Timestamp.IsZero() {
		final.Timestamp = c.now()
	}
	if final.Role == "" {
		final.Role = protocol.RoleAssistant
	}
	c.store.ReplaceMessage(conversationID, placeholder.ID, final)
	return &final, nil
}

// SendMessageAck sends without streaming and waits for the acknowledgement.
func (c *Client) SendMessageAck(ctx context.Context, conversationID, content string) (*protocol.SendMessageResponse, error) {
	if _, ok := c.store.Conversation(conversationID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	user := store.Message{ID: c.newID(), Role: protocol.RoleUser, Content: content, Timestamp: c.now()}
	c.store.AddMessage(conversationID, user)

	resp, err := c.correlator.SendMessage(ctx, protocol.SendMessageRequest{
		ConversationID:  conversationID,
		Content:         content,
		ClientMessageID: user.ID,
	})
	if err != nil {
		if errors.Is(err, transport.ErrSessionClosed) || errors.Is(err, transport.ErrReconnectExhausted) {
			c.store.RemoveMessage(conversationID, user.ID)
		}
		return nil, err
	}

	if resp.Sent != nil {
		c.store.ReplaceMessage(conversationID, user.ID, store.MessageFromPayload(*resp.Sent))
	}
	if resp.Reply != nil {
		c.store.AddMessage(conversationID, store.MessageFromPayload(*resp.Reply))
	}
	return resp, nil
}

// LoadHistory replaces the local log with the server's, ordered by timestamp.
func (c *Client) LoadHistory(ctx context.Context, conversationID string) ([]store.Message, error) {
	if _, ok := c.store.Conversation(conversationID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	resp, err := c.correlator.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs := store.MessagesFromPayload(resp.Messages)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	c.store.SetMessages(conversationID, msgs)
	return msgs, nil
}

// Metadata returns the last known document metadata.
func (c *Client) Metadata() (*protocol.DocumentMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta, c.meta != nil
}

func (c *Client) refreshMetadata() {
	ctx, cancel := context.WithTimeout(c.ctx, protocol.DefaultReadTimeout)
	defer cancel()

	if _, err := c.RefreshMetadata(ctx); err != nil && c.ctx.Err() == nil {
		c.logger.Warn(module, "Document metadata request failed", map[string]interface{}{
			"document_id": c.documentID,
			"error":       err.Error(),
		})
	}
}

// RefreshMetadata fetches the document metadata, caches it and loads its chunks.
func (c *Client) RefreshMetadata(ctx context.Context) (*protocol.DocumentMetadata, error) {
	meta, err := c.correlator.DocumentMetadata(ctx, c.documentID)
	if err != nil {
		return nil, err
	}
	if meta.DocumentID == "" {
		meta.DocumentID = c.documentID
	}
	if c.metadata != nil {
		c.metadata.Save(meta)
	}
	c.applyMetadata(meta)
	return meta, nil
}

func (c *Client) applyMetadata(meta *protocol.DocumentMetadata) {
	c.mu.Lock()
	c.meta = meta
	c.mu.Unlock()

	chunks := make([]chunksync.Chunk, 0, len(meta.Chunks))
	for _, p := range meta.Chunks {
		chunks = append(chunks, chunksync.ChunkFromPayload(p))
	}
	c.chunks.LoadChunks(chunks)

	c.publish(events.New(events.TopicMetadata, map[string]interface{}{
		"document_id": c.documentID,
		"title":       meta.Title,
		"page_count":  meta.PageCount,
		"chunk_count": meta.ChunkCount,
	}))
}

func (c *Client) onStateChange(state transport.State) {
	c.publish(events.New(events.TopicConnection, map[string]interface{}{
		"document_id": c.documentID,
		"state":       state.String(),
		"attempts":    c.session.Attempts(),
	}))
}

func (c *Client) onStoreChange(conversationID string) {
	msgs := c.store.GetMessages(conversationID)
	snapshot := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		snapshot = append(snapshot, map[string]interface{}{
			"id":        m.ID,
			"role":      m.Role,
			"content":   m.Content,
			"timestamp": m.Timestamp,
		})
	}
	c.publish(events.New(events.TopicMessages, map[string]interface{}{
		"document_id":     c.documentID,
		"conversation_id": conversationID,
		"messages":        snapshot,
	}))

	st := c.store.StreamingState(conversationID)
	c.publish(events.New(events.TopicStreaming, map[string]interface{}{
		"document_id":       c.documentID,
		"conversation_id":   conversationID,
		"target_message_id": st.TargetMessageID,
		"is_streaming":      st.IsStreaming,
		"content":           st.AccumulatedContent,
	}))
}

func (c *Client) publish(e events.Event) {
	if c.outbox != nil {
		c.outbox.post(e)
	}
}

// Close stops the relay and releases the session.
func (c *Client) Close() error {
	c.cancel()
	c.relay.Close()
	if c.outbox != nil {
		c.outbox.stop()
	}
	return c.release()
}
