package protocol

import "time"

// Op names one request/response exchange and the three tags it uses on the wire.
type Op struct {
	Request   string
	Completed string
	Error     string
}

var (
	OpCreateMainConversation = Op{
		Request:   "conversation.main.create",
		Completed: "conversation.main.create.completed",
		Error:     "conversation.main.create.error",
	}
	OpCreateChunkConversation = Op{
		Request:   "conversation.chunk.create",
		Completed: "conversation.chunk.create.completed",
		Error:     "conversation.chunk.create.error",
	}
	OpSendMessage = Op{
		Request:   "conversation.message.send",
		Completed: "conversation.message.send.completed",
		Error:     "conversation.message.send.error",
	}
	OpListMessages = Op{
		Request:   "conversation.messages.list",
		Completed: "conversation.messages.completed",
		Error:     "conversation.messages.error",
	}
	OpGetChunkConversations = Op{
		Request:   "conversation.get.by.sequence",
		Completed: "conversation.chunk.get.completed",
		Error:     "conversation.chunk.get.error",
	}
	OpDocumentMetadata = Op{
		Request:   "document.metadata",
		Completed: "document.metadata.completed",
		Error:     "document.metadata.error",
	}
	OpStreamMessage = Op{
		Request:   "conversation.message.stream",
		Completed: "conversation.message.stream.completed",
		Error:     "conversation.message.stream.error",
	}
)

// TagStreamToken carries cumulative partial content for an open stream.
const TagStreamToken = "conversation.message.stream.token"

const (
	DefaultReadTimeout   = 5 * time.Second
	DefaultCreateTimeout = 10 * time.Second
	DefaultSendTimeout   = 30 * time.Second
)
