// Package agent connects the gateway to the external conversational agent.
package agent

import (
	"context"
	"errors"
	"iter"
)

// ErrUnavailable is yielded when no agent is configured or reachable.
var ErrUnavailable = errors.New("agent unavailable")

// ChatRequest is one user turn sent to the agent.
type ChatRequest struct {
	Message    string
	SessionKey string
	UserID     string
	// SessionTool is set while the user is inside a tool session such as /shell.
	SessionTool string
}

// ChatResponse is one streamed chunk of the agent's answer.
type ChatResponse struct {
	// Text is an incremental chunk. On the Final chunk a non-empty Text is
	// the complete answer and replaces the chunks before it.
	Text       string
	ToolName   string
	ToolOutput any
	MediaURLs  []string
	// SessionID identifies a tool session the chunk belongs to.
	SessionID     string
	SessionClosed bool
	Final         bool
}

// Processor is implemented by anything that can answer chat turns.
type Processor interface {
	// Chat processes a user message and returns response chunks.
	Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error]

	// Close releases resources.
	Close()
}

var (
	_ Processor = (*GrpcClient)(nil)
	_ Processor = Offline{}
)

// Offline is the Processor used when no agent address is configured.
type Offline struct{}

// Chat yields ErrUnavailable.
func (Offline) Chat(context.Context, ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		yield(nil, ErrUnavailable)
	}
}

// Close does nothing.
func (Offline) Close() {}
