package chunksync

import (
	"context"
	"errors"
	"testing"

	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/protocol"
	"ai-docchat-client/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	createCalls int
	lastCreate  protocol.CreateChunkConversationRequest
	createErr   error
	created     *protocol.ConversationPayload
	bySequence  map[int]*protocol.ChunkConversationsResponse
}

func (f *fakeRemote) CreateChunkConversation(_ context.Context, req protocol.CreateChunkConversationRequest) (*protocol.ConversationPayload, error) {
	f.createCalls++
	f.lastCreate = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.created, nil
}

func (f *fakeRemote) GetChunkConversations(_ context.Context, _ string, seq int) (*protocol.ChunkConversationsResponse, error) {
	resp, ok := f.bySequence[seq]
	if !ok {
		return nil, &protocol.ServerError{Op: protocol.OpGetChunkConversations.Request, Message: "not found"}
	}
	return resp, nil
}

func newSync(t *testing.T, remote *fakeRemote) (*Synchronizer, *store.Store) {
	t.Helper()
	st := store.New(logger.NewNopLogger())
	s := New("doc-1", remote, st, logger.NewNopLogger())
	s.LoadChunks([]Chunk{
		{ID: "k2", Sequence: 2, Content: "Second chunk of the paper."},
		{ID: "k1", Sequence: 1, Content: "Transformers use self-attention."},
	})
	return s, st
}

func TestLoadChunksActivatesFirstBySequence(t *testing.T) {
	s, _ := newSync(t, &fakeRemote{})

	active, ok := s.ActiveChunk()
	require.True(t, ok)
	assert.Equal(t, "k1", active.ID)

	chunks := s.Chunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, "k1", chunks[0].ID)

	c, ok := s.ChunkBySequence(2)
	require.True(t, ok)
	assert.Equal(t, "k2", c.ID)
}

func TestCreateChunkConversationRejectsBadRangesLocally(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		rng   protocol.Range
		want  error
	}{
		{name: "end before start", chunk: "k1", rng: protocol.Range{Start: 10, End: 5}, want: protocol.ErrInvalidRange},
		{name: "empty range", chunk: "k1", rng: protocol.Range{Start: 3, End: 3}, want: protocol.ErrInvalidRange},
		{name: "negative start", chunk: "k1", rng: protocol.Range{Start: -1, End: 3}, want: protocol.ErrInvalidRange},
		{name: "past chunk end", chunk: "k1", rng: protocol.Range{Start: 0, End: 500}, want: protocol.ErrInvalidRange},
		{name: "unknown chunk", chunk: "nope", rng: protocol.Range{Start: 0, End: 1}, want: ErrUnknownChunk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &fakeRemote{}
			s, st := newSync(t, remote)

			conv, err := s.CreateChunkConversation(context.Background(), tt.chunk, tt.rng, "text")
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, conv)
			assert.Equal(t, 0, remote.createCalls)
			assert.Empty(t, st.Conversations())
		})
	}
}

func TestCreateChunkConversationRegistersAndOpens(t *testing.T) {
	remote := &fakeRemote{created: &protocol.ConversationPayload{ID: "h1", Type: protocol.ConversationTypeChunk}}
	s, st := newSync(t, remote)

	conv, err := s.CreateChunkConversation(context.Background(), "k1", protocol.Range{Start: 0, End: 12}, "")
	require.NoError(t, err)

	assert.Equal(t, "Transformers", remote.lastCreate.HighlightText)
	assert.Equal(t, "doc-1", remote.lastCreate.DocumentID)
	assert.Equal(t, "k1", conv.ChunkID)
	require.NotNil(t, conv.HighlightRange)
	assert.Equal(t, 12, conv.HighlightRange.End)

	stored, ok := st.Conversation("h1")
	require.True(t, ok)
	assert.Equal(t, "k1", stored.ChunkID)
	assert.True(t, s.IsOpen("h1"))
}

func TestCreateChunkConversationFailureLeavesNoState(t *testing.T) {
	remote := &fakeRemote{createErr: &protocol.TimeoutError{Op: protocol.OpCreateChunkConversation.Request}}
	s, st := newSync(t, remote)

	_, err := s.CreateChunkConversation(context.Background(), "k1", protocol.Range{Start: 0, End: 5}, "Trans")
	assert.True(t, errors.Is(err, protocol.ErrTimeout))
	assert.Equal(t, 1, remote.createCalls)
	assert.Empty(t, st.Conversations())
	assert.Empty(t, st.ConversationsForChunk("k1"))
}

func TestSetActiveChunkKeepsConversationState(t *testing.T) {
	remote := &fakeRemote{created: &protocol.ConversationPayload{ID: "h1", Type: protocol.ConversationTypeChunk}}
	s, st := newSync(t, remote)

	_, err := s.CreateChunkConversation(context.Background(), "k1", protocol.Range{Start: 0, End: 5}, "Trans")
	require.NoError(t, err)
	s.SetPosition("h1", Position{X: 10, Y: 20})

	require.NoError(t, s.SetActiveChunk("k2"))
	active, _ := s.ActiveChunk()
	assert.Equal(t, "k2", active.ID)

	assert.True(t, s.IsOpen("h1"))
	p, ok := s.Position("h1")
	require.True(t, ok)
	assert.Equal(t, Position{X: 10, Y: 20}, p)
	assert.Len(t, st.ConversationsForChunk("k1"), 1)

	assert.ErrorIs(t, s.SetActiveChunk("missing"), ErrUnknownChunk)
	active, _ = s.ActiveChunk()
	assert.Equal(t, "k2", active.ID)
}

func TestLoadChunkConversationsRegistersClosed(t *testing.T) {
	remote := &fakeRemote{bySequence: map[int]*protocol.ChunkConversationsResponse{
		2: {Sequence: 2, Conversations: []protocol.ConversationPayload{{ID: "h7"}, {ID: "h8", ChunkID: "k2"}}},
	}}
	s, st := newSync(t, remote)

	convs, err := s.LoadChunkConversations(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, convs, 2)

	for _, id := range []string{"h7", "h8"} {
		c, ok := st.Conversation(id)
		require.True(t, ok, id)
		assert.Equal(t, "k2", c.ChunkID)
		assert.Equal(t, protocol.ConversationTypeChunk, c.Type)
		assert.False(t, s.IsOpen(id))
	}

	_, err = s.LoadChunkConversations(context.Background(), 9)
	var serverErr *protocol.ServerError
	assert.True(t, errors.As(err, &serverErr))
}

func TestToggleAndPositions(t *testing.T) {
	s, st := newSync(t, &fakeRemote{})

	assert.True(t, s.Toggle("h1"))
	assert.False(t, s.Toggle("h1"))
	s.SetOpen("h1", true)
	assert.True(t, s.IsOpen("h1"))

	s.SetPosition("h1", Position{X: 1, Y: 2})
	snapshot := s.Positions()
	snapshot["h1"] = Position{X: 99}
	p, _ := s.Position("h1")
	assert.Equal(t, Position{X: 1, Y: 2}, p)

	// window state never reaches the store
	assert.Empty(t, st.Conversations())
}

func TestFallbackConversation(t *testing.T) {
	s, st := newSync(t, &fakeRemote{})
	st.AddConversation(store.Conversation{ID: "main", Type: protocol.ConversationTypeMain})
	st.AddConversation(store.Conversation{ID: "h1", Type: protocol.ConversationTypeChunk, ChunkID: "k1"})

	tests := []struct {
		name   string
		active string
		chunk  string
		want   string
	}{
		{name: "chunk conversation on active chunk", active: "h1", chunk: "k1", want: "h1"},
		{name: "chunk conversation on another chunk", active: "h1", chunk: "k2", want: "main"},
		{name: "main conversation stays", active: "main", chunk: "k2", want: "main"},
		{name: "unknown conversation", active: "ghost", chunk: "k1", want: "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.SetActiveChunk(tt.chunk))
			assert.Equal(t, tt.want, s.FallbackConversation(tt.active, "main"))
		})
	}
}
