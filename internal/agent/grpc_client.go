package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/ashureev/cardwire/internal/shared"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	chatMethod   = "/cardwire.agent.v1.AgentService/Chat"
	healthMethod = "/cardwire.agent.v1.AgentService/Health"
)

var errChatResponse = errors.New("chat response returned error")

var chatStreamDesc = &grpc.StreamDesc{StreamName: "Chat", ServerStreams: true}

// GrpcClient talks to the agent service. Messages are
// google.protobuf.Struct values keyed by the agent's JSON field names.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGrpcClient connects to the agent at addr and waits until it is ready.
func NewGrpcClient(addr string, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := shared.DialReady(shared.DefaultGrpcDialConfig(addr))
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	logger.Info("Connected to agent service", "address", addr)
	return &GrpcClient{conn: conn, addr: addr, logger: logger}, nil
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks if the agent service is healthy.
func (c *GrpcClient) Health(ctx context.Context) error {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, healthMethod, &structpb.Struct{}, out); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Chat sends one user turn and streams the answer.
func (c *GrpcClient) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		in, err := structpb.NewStruct(map[string]any{
			"message":     req.Message,
			"userId":      req.UserID,
			"sessionId":   req.SessionKey,
			"sessionTool": req.SessionTool,
		})
		if err != nil {
			yield(nil, fmt.Errorf("encode chat request: %w", err))
			return
		}

		stream, err := c.conn.NewStream(ctx, chatStreamDesc, chatMethod)
		if err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}
		if err := stream.SendMsg(in); err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}

		for {
			out := &structpb.Struct{}
			err := stream.RecvMsg(out)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("chat stream error: %w", err))
				return
			}

			resp, err := decodeChatResponse(out)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func decodeChatResponse(s *structpb.Struct) (*ChatResponse, error) {
	f := s.GetFields()
	if f["responseType"].GetStringValue() == "error" {
		if msg := f["errorMessage"].GetStringValue(); msg != "" {
			return nil, fmt.Errorf("%w: %s", errChatResponse, msg)
		}
		return nil, errChatResponse
	}

	resp := &ChatResponse{
		Text:          f["content"].GetStringValue(),
		ToolName:      f["toolName"].GetStringValue(),
		SessionID:     f["toolSessionId"].GetStringValue(),
		SessionClosed: f["sessionClosed"].GetBoolValue(),
		Final:         f["final"].GetBoolValue(),
	}
	if v, ok := f["toolOutput"]; ok {
		resp.ToolOutput = v.AsInterface()
	}
	for _, u := range f["mediaUrls"].GetListValue().GetValues() {
		if url := u.GetStringValue(); url != "" {
			resp.MediaURLs = append(resp.MediaURLs, url)
		}
	}
	return resp, nil
}
