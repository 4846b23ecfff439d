package docchat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ai-docchat-client/internal/auth"
	"ai-docchat-client/internal/correlator"
	"ai-docchat-client/internal/eventbus"
	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/protocol"
	"ai-docchat-client/internal/repository/memory"
	"ai-docchat-client/internal/store"
	"ai-docchat-client/internal/streaming"
	"ai-docchat-client/internal/transport"
	"ai-docchat-client/internal/transport/transporttest"
	"ai-docchat-client/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// backend answers client frames by tag and records what it saw.
type backend struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]func(protocol.Frame) []protocol.Frame
	seen     []string
}

func newBackend(t *testing.T) *backend {
	b := &backend{t: t, handlers: make(map[string]func(protocol.Frame) []protocol.Frame)}
	b.on(protocol.OpDocumentMetadata.Request, func(protocol.Frame) []protocol.Frame {
		return []protocol.Frame{b.frame(protocol.OpDocumentMetadata.Completed, protocol.DocumentMetadata{
			DocumentID: "doc-1",
			Title:      "Attention Is All You Need",
			ChunkCount: 2,
			Chunks: []protocol.ChunkPayload{
				{ID: "k1", Sequence: 0, Content: "Transformers use self-attention."},
				{ID: "k2", Sequence: 1, Content: "Results on translation."},
			},
		})}
	})
	b.on(protocol.OpCreateMainConversation.Request, func(protocol.Frame) []protocol.Frame {
		return []protocol.Frame{b.frame(protocol.OpCreateMainConversation.Completed, protocol.ConversationPayload{
			ID: "conv-main", Type: protocol.ConversationTypeMain, CreatedAt: t0,
		})}
	})
	return b
}

func (b *backend) on(tag string, fn func(protocol.Frame) []protocol.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[tag] = fn
}

func (b *backend) respond(f protocol.Frame) []protocol.Frame {
	b.mu.Lock()
	b.seen = append(b.seen, f.Type)
	fn := b.handlers[f.Type]
	b.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(f)
}

func (b *backend) count(tag string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.seen {
		if s == tag {
			n++
		}
	}
	return n
}

func (b *backend) frame(tag string, payload interface{}) protocol.Frame {
	f, err := protocol.NewFrame(tag, payload)
	require.NoError(b.t, err)
	return f
}

type fixture struct {
	client  *Client
	dialer  *transporttest.Dialer
	backend *backend
	bus     *eventbus.ChannelBus
	meta    *memory.MetadataRepository
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureWithPublisher(t, opts, nil)
}

// newFixtureWithPublisher publishes state events to pub instead of the fixture bus.
func newFixtureWithPublisher(t *testing.T, opts Options, pub eventbus.Publisher) *fixture {
	t.Helper()
	dialer := transporttest.NewDialer()
	session := transport.NewSession("doc-1", "ws://backend/doc-1?token=t", dialer, &transport.Settings{
		Backoff: transport.Backoff{Base: time.Millisecond, MaxAttempts: 3},
	}, logger.NewNopLogger())

	bus := eventbus.NewChannelBus(logger.NewNopLogger())
	meta := memory.NewMetadataRepository(time.Minute)
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0 }
	}
	if pub == nil {
		pub = bus
	}
	c := New(session, opts, pub, meta, logger.NewNopLogger())
	t.Cleanup(func() {
		_ = c.Close()
		_ = bus.Close()
	})

	f := &fixture{client: c, dialer: dialer, backend: newBackend(t), bus: bus, meta: meta}
	dialer.Serve(f.backend.respond)
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, f.client.Connect(ctx))
	require.Eventually(t, func() bool {
		_, ok := f.client.Chunks().ActiveChunk()
		return ok
	}, wait, time.Millisecond)
}

func (f *fixture) mainConversation(t *testing.T) string {
	t.Helper()
	conv, err := f.client.CreateMainConversation(context.Background())
	require.NoError(t, err)
	return conv.ID
}

func roles(ms []store.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Role+":"+m.Content)
	}
	return out
}

func TestConnectRefusesExpiredCredential(t *testing.T) {
	f := newFixture(t, Options{Credential: &auth.Credential{Token: "t", ExpiresAt: t0.Add(-time.Minute)}})

	err := f.client.Connect(context.Background())
	assert.ErrorIs(t, err, auth.ErrCredentialExpired)
	assert.Equal(t, 0, f.dialer.Dials())
}

func TestMetadataIsRequestedOnOpenAndPublished(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	metaEvents, err := f.bus.Subscribe(ctx, events.TopicMetadata)
	require.NoError(t, err)

	f.connect(t)

	meta, ok := f.client.Metadata()
	require.True(t, ok)
	assert.Equal(t, "Attention Is All You Need", meta.Title)
	assert.Len(t, f.client.Chunks().Chunks(), 2)
	active, _ := f.client.Chunks().ActiveChunk()
	assert.Equal(t, "k1", active.ID)

	cached, ok := f.meta.Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, 2, cached.ChunkCount)

	select {
	case e := <-metaEvents:
		assert.Equal(t, "Attention Is All You Need", e.Payload()["title"])
	case <-time.After(wait):
		t.Fatal("metadata event not published")
	}
}

func TestRefreshMetadataRequestsAgain(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t)
	require.Eventually(t, func() bool {
		return f.backend.count(protocol.OpDocumentMetadata.Request) == 1
	}, wait, time.Millisecond)

	f.meta.Delete("doc-1")
	meta, err := f.client.RefreshMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "doc-1", meta.DocumentID)
	assert.Equal(t, 2, f.backend.count(protocol.OpDocumentMetadata.Request))

	_, ok := f.meta.Get("doc-1")
	assert.True(t, ok)
	chunk, ok := f.client.Chunks().ChunkBySequence(1)
	require.True(t, ok)
	assert.Equal(t, "k2", chunk.ID)
}

func TestConnectionStateIsPublished(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	conn, err := f.bus.Subscribe(ctx, events.TopicConnection)
	require.NoError(t, err)

	f.connect(t)

	var states []interface{}
	for len(states) < 2 {
		select {
		case e := <-conn:
			states = append(states, e.Payload()["state"])
		case <-time.After(wait):
			t.Fatalf("got states %v", states)
		}
	}
	assert.Equal(t, []interface{}{"CONNECTING", "OPEN"}, states)
}

func TestStreamedSendOptimisticRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t)
	convID := f.mainConversation(t)

	f.backend.on(protocol.OpStreamMessage.Request, func(req protocol.Frame) []protocol.Frame {
		return []protocol.Frame{
			f.backend.frame(protocol.TagStreamToken, protocol.StreamToken{ConversationID: convID, Content: "Hel"}),
			f.backend.frame(protocol.TagStreamToken, protocol.StreamToken{ConversationID: convID, Content: "Hello"}),
			f.backend.frame(protocol.OpStreamMessage.Completed, protocol.StreamCompleted{
				ConversationID: convID,
				Message:        protocol.MessagePayload{ID: "srv-a1", Role: protocol.RoleAssistant, Content: "Hello!", Timestamp: t0.Add(time.Second)},
			}),
		}
	})

	var during [][]store.Message
	final, err := f.client.SendMessage(context.Background(), convID, "hi", streaming.Handlers{
		OnToken: func(string) { during = append(during, f.client.Messages(convID)) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", final.Content)

	require.Len(t, during, 2)
	assert.Equal(t, []string{"user:hi", "assistant:Hel"}, roles(during[0]))
	assert.Equal(t, convID, during[0][1].ID, "placeholder is keyed by the conversation id")
	assert.Equal(t, []string{"user:hi", "assistant:Hello"}, roles(during[1]))

	after := f.client.Messages(convID)
	assert.Equal(t, []string{"user:hi", "assistant:Hello!"}, roles(after))
	assert.Equal(t, "srv-a1", after[1].ID)
	assert.False(t, f.client.Store().StreamingState(convID).IsStreaming)

	// reloading the same list keeps the order
	f.client.Store().SetMessages(convID, after)
	assert.Equal(t, after, f.client.Messages(convID))
}

func TestStreamErrorRemovesPlaceholderKeepsUserMessage(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t)
	convID := f.mainConversation(t)

	f.backend.on(protocol.OpStreamMessage.Request, func(protocol.Frame) []protocol.Frame {
		return []protocol.Frame{
			f.backend.frame(protocol.TagStreamToken, protocol.StreamToken{ConversationID: convID, Content: "a"}),
			f.backend.frame(protocol.TagStreamToken, protocol.StreamToken{ConversationID: convID, Content: "ab"}),
			f.backend.frame(protocol.OpStreamMessage.Error, protocol.ErrorPayload{
				ConversationID: convID,
				ErrorType:      protocol.ErrorTypeLimitExceeded,
				Data:           &protocol.LimitData{Limit: 20, Used: 20},
			}),
		}
	})

	_, err := f.client.SendMessage(context.Background(), convID, "hi", streaming.Handlers{})
	require.Error(t, err)
	var limitErr *protocol.LimitExceededError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, 20, limitErr.Limit)

	assert.Equal(t, []string{"user:hi"}, roles(f.client.Messages(convID)))
	assert.False(t, f.client.Store().StreamingState(convID).IsStreaming)
}

func TestSendThatNeverLeftRollsBackEverything(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t)
	convID := f.mainConversation(t)
	require.NoError(t, f.client.Session().Close())

	_, err := f.client.SendMessage(context.Background(), convID, "hi", streaming.Handlers{})
	assert.ErrorIs(t, err, streaming.ErrNotSent)
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
	assert.Empty(t, f.client.Messages(convID))
}

func TestSendToUnknownConversationFailsFast(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t)

	_, err := f.client.SendMessage(context.Background(), "ghost", "hi", streaming.Handlers{})
	assert.ErrorIs(t, err, ErrUnknownConversation)
	assert.Equal(t, 0, f.backend.count(protocol.OpStreamMessage.Request))
}

func TestCreateMainConversationTimeoutThenRetry(t *testing.T) {
	f := newFixture(t, Options{Timeouts: correlator.Timeouts{Read: time.Second, Create: 50 * time.Millisecond, Send: time.Second}})
	f.connect(t)

	calls := 0
	f.backend.on(protocol.OpCreateMainConversation.Request, func(protocol.Frame) []protocol.Frame {
		calls++
		if calls == 1 {
			return nil
		}
		return []protocol.Frame{f.backend.frame(protocol.OpCreateMainConversation.Completed, protocol.ConversationPayload{
			ID: "conv-main", Type: protocol.ConversationTypeMain,
		})}
	})

	_, err := f.client.CreateMainConversation(context.Background())
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Empty(t, f.client.MainConversationID())

	conv, err := f.client.CreateMainConversation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "conv-main", conv.ID)
	assert.Equal(t, "conv-main", f.client.MainConversationID())
}

func TestLoadHistorySortsServerMessages(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t)
	convID := f.mainConversation(t)

	f.backend.on(protocol.OpListMessages.Request, func(protocol.Frame) []protocol.Frame {
		return []protocol.Frame{f.backend.frame(protocol.OpListMessages.Completed, protocol.ListMessagesResponse{
			ConversationID: convID,
			Messages: []protocol.MessagePayload{
				{ID: "a1", Role: protocol.RoleAssistant, Content: "answer", Timestamp: t0.Add(time.Second)},
				{ID: "s0", Role: protocol.RoleSystem, Content: "context", Timestamp: t0.Add(-time.Second)},
				{ID: "u1", Role: protocol.RoleUser, Content: "question", Timestamp: t0},
			},
		})}
	})

	msgs, err := f.client.LoadHistory(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "s0", msgs[0].ID)
	assert.Equal(t, []string{"user:question", "assistant:answer"}, roles(f.client.Messages(convID)))
}

func TestLoadHistoryIgnoresLateReplyForOtherConversation(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t)
	convID := f.mainConversation(t)

	f.backend.on(protocol.OpListMessages.Request, func(protocol.Frame) []protocol.Frame {
		return []protocol.Frame{
			f.backend.frame(protocol.OpListMessages.Completed, protocol.ListMessagesResponse{
				ConversationID: "conv-timed-out",
				Messages:       []protocol.MessagePayload{{ID: "x1", Role: protocol.RoleUser, Content: "not yours", Timestamp: t0}},
			}),
			f.backend.frame(protocol.OpListMessages.Completed, protocol.ListMessagesResponse{
				ConversationID: convID,
				Messages:       []protocol.MessagePayload{{ID: "u1", Role: protocol.RoleUser, Content: "mine", Timestamp: t0}},
			}),
		}
	})

	msgs, err := f.client.LoadHistory(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"user:mine"}, roles(f.client.Messages(convID)))
}

func TestSendMessageAckReplacesOptimisticMessage(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t)
	convID := f.mainConversation(t)

	f.backend.on(protocol.OpSendMessage.Request, func(req protocol.Frame) []protocol.Frame {
		var body protocol.SendMessageRequest
		require.NoError(t, req.Decode(&body))
		assert.NotEmpty(t, body.ClientMessageID)
		return []protocol.Frame{f.backend.frame(protocol.OpSendMessage.Completed, protocol.SendMessageResponse{
			ConversationID: convID,
			Sent:           &protocol.MessagePayload{ID: "srv-u1", Role: protocol.RoleUser, Content: "hi", Timestamp: t0},
			Reply:          &protocol.MessagePayload{ID: "srv-a1", Role: protocol.RoleAssistant, Content: "hey", Timestamp: t0.Add(time.Second)},
		})}
	})

	_, err := f.client.SendMessageAck(context.Background(), convID, "hi")
	require.NoError(t, err)

	msgs := f.client.Messages(convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "srv-u1", msgs[0].ID)
	assert.Equal(t, "srv-a1", msgs[1].ID)
}

func TestChunkConversationFlow(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t)
	mainID := f.mainConversation(t)

	f.backend.on(protocol.OpCreateChunkConversation.Request, func(req protocol.Frame) []protocol.Frame {
		var body protocol.CreateChunkConversationRequest
		require.NoError(t, req.Decode(&body))
		return []protocol.Frame{f.backend.frame(protocol.OpCreateChunkConversation.Completed, protocol.ConversationPayload{
			ID: "conv-h1", Type: protocol.ConversationTypeChunk, ChunkID: body.ChunkID,
			HighlightText: body.HighlightText, HighlightRange: &body.Range,
		})}
	})

	_, err := f.client.CreateChunkConversation(context.Background(), "k1", protocol.Range{Start: 10, End: 5}, "x")
	assert.ErrorIs(t, err, protocol.ErrInvalidRange)
	assert.Equal(t, 0, f.backend.count(protocol.OpCreateChunkConversation.Request))

	conv, err := f.client.CreateChunkConversation(context.Background(), "k1", protocol.Range{Start: 0, End: 12}, "")
	require.NoError(t, err)
	assert.Equal(t, "Transformers", conv.HighlightText)
	assert.True(t, f.client.Chunks().IsOpen("conv-h1"))

	require.NoError(t, f.client.SetActiveChunk("k2"))
	assert.Equal(t, mainID, f.client.ConversationForActiveChunk("conv-h1"))
	assert.True(t, f.client.Chunks().IsOpen("conv-h1"), "switching chunks keeps toggle state")

	require.NoError(t, f.client.SetActiveChunk("k1"))
	assert.Equal(t, "conv-h1", f.client.ConversationForActiveChunk("conv-h1"))
}

func TestMessagesSnapshotIsPublished(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := f.bus.Subscribe(ctx, events.TopicMessages)
	require.NoError(t, err)

	f.connect(t)
	convID := f.mainConversation(t)
	f.client.Store().AddMessage(convID, store.Message{ID: "m1", Role: protocol.RoleUser, Content: "hi", Timestamp: t0})

	deadline := time.After(wait)
	for {
		select {
		case e := <-msgs:
			list, _ := e.Payload()["messages"].([]interface{})
			if len(list) == 1 {
				first := list[0].(map[string]interface{})
				assert.Equal(t, "m1", first["id"])
				assert.Equal(t, convID, e.Payload()["conversation_id"])
				return
			}
		case <-deadline:
			t.Fatal("messages snapshot not published")
		}
	}
}

// stalledPublisher never completes a publish before its context ends.
type stalledPublisher struct{ calls chan struct{} }

func (p *stalledPublisher) Publish(ctx context.Context, _ events.Event) error {
	select {
	case p.calls <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *stalledPublisher) Close() error { return nil }

func streamTokens(f *fixture, convID string, n int) {
	f.backend.on(protocol.OpStreamMessage.Request, func(protocol.Frame) []protocol.Frame {
		frames := make([]protocol.Frame, 0, n+1)
		content := ""
		for i := 0; i < n; i++ {
			content += "x"
			frames = append(frames, f.backend.frame(protocol.TagStreamToken, protocol.StreamToken{ConversationID: convID, Content: content}))
		}
		return append(frames, f.backend.frame(protocol.OpStreamMessage.Completed, protocol.StreamCompleted{
			ConversationID: convID,
			Message:        protocol.MessagePayload{ID: "srv-a1", Role: protocol.RoleAssistant, Content: content},
		}))
	})
}

func sendWithin(t *testing.T, f *fixture, convID string, limit time.Duration) (*store.Message, error) {
	t.Helper()
	type outcome struct {
		msg *store.Message
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		msg, err := f.client.SendMessage(context.Background(), convID, "hi", streaming.Handlers{})
		done <- outcome{msg, err}
	}()
	select {
	case o := <-done:
		return o.msg, o.err
	case <-time.After(limit):
		t.Fatal("SendMessage did not return")
		return nil, nil
	}
}

func TestSubscriberThatStopsReadingDoesNotStallStreaming(t *testing.T) {
	f := newFixture(t, Options{Stream: streaming.Settings{Timeout: 3 * time.Second}})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, err := f.bus.Subscribe(ctx, events.TopicStreaming)
	require.NoError(t, err)
	_, err = f.bus.Subscribe(ctx, events.TopicMessages)
	require.NoError(t, err)

	f.connect(t)
	convID := f.mainConversation(t)
	streamTokens(f, convID, 100)

	msg, err := sendWithin(t, f, convID, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, msg.Content, 100)

	// the read loop still dispatches
	rctx, rcancel := context.WithTimeout(context.Background(), wait)
	defer rcancel()
	_, err = f.client.RefreshMetadata(rctx)
	assert.NoError(t, err)
}

func TestStalledBusDoesNotBlockReadLoop(t *testing.T) {
	pub := &stalledPublisher{calls: make(chan struct{}, 1)}
	f := newFixtureWithPublisher(t, Options{Stream: streaming.Settings{Timeout: 3 * time.Second}}, pub)
	f.connect(t)
	convID := f.mainConversation(t)
	streamTokens(f, convID, 20)

	msg, err := sendWithin(t, f, convID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "srv-a1", msg.ID)
	assert.Positive(t, f.client.outbox.pending(), "events wait for the bus, not the caller")

	closed := make(chan struct{})
	go func() {
		_ = f.client.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(wait):
		t.Fatal("Close waited on the stalled bus")
	}
}

func TestConcurrentSendNeverShowsTwoPlaceholders(t *testing.T) {
	f := newFixture(t, Options{Stream: streaming.Settings{Timeout: 500 * time.Millisecond}})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	snapshots, err := f.bus.Subscribe(ctx, events.TopicMessages)
	require.NoError(t, err)

	f.connect(t)
	convID := f.mainConversation(t)
	f.backend.on(protocol.OpStreamMessage.Request, func(protocol.Frame) []protocol.Frame { return nil })

	first := make(chan error, 1)
	go func() {
		_, err := f.client.SendMessage(context.Background(), convID, "first", streaming.Handlers{})
		first <- err
	}()
	require.Eventually(t, func() bool {
		return f.backend.count(protocol.OpStreamMessage.Request) == 1
	}, wait, time.Millisecond)

	_, err = f.client.SendMessage(context.Background(), convID, "second", streaming.Handlers{})
	assert.ErrorIs(t, err, streaming.ErrStreamInProgress)
	assert.Equal(t, []string{"user:first", "assistant:"}, roles(f.client.Messages(convID)))

	select {
	case err := <-first:
		assert.ErrorIs(t, err, protocol.ErrTimeout)
	case <-time.After(wait):
		t.Fatal("first send did not time out")
	}

	for {
		select {
		case e := <-snapshots:
			msgs, _ := e.Payload()["messages"].([]interface{})
			placeholders := 0
			for _, m := range msgs {
				if m.(map[string]interface{})["id"] == convID {
					placeholders++
				}
				assert.NotEqual(t, "second", m.(map[string]interface{})["content"])
			}
			assert.LessOrEqual(t, placeholders, 1)
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}
