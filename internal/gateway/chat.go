package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ashureev/cardwire/internal/agent"
	"github.com/ashureev/cardwire/internal/card"
	"github.com/ashureev/cardwire/internal/domain"
	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/ashureev/cardwire/internal/signature"
)

// handleChat records the user turn and streams the agent's answer onto a
// fresh run, or onto the active session card while a tool session is open.
func (c *Conn) handleChat(ctx context.Context, m protocol.ChatSend) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	userCard := c.cards.AddUserMessage(c.session, text, m.CardID)
	req := agent.ChatRequest{Message: text, SessionKey: c.sessionKey, UserID: c.userID}
	var meta *protocol.ToolMeta
	if id := c.session.ActiveTerminalCardID; id != "" {
		if sc, ok := c.cards.Card(id); ok && sc.ToolMeta != nil {
			meta = &protocol.ToolMeta{ToolID: sc.ToolMeta.ToolID, SessionID: sc.ToolMeta.SessionID}
			req.SessionTool = meta.ToolID
		}
	}

	c.persistChat(ctx, domain.ChatEntry{SessionKey: c.sessionKey, Role: string(card.RoleUser), Text: text, CardID: userCard.ID})
	c.gw.cfg.ConvLog.Log(agent.ConversationLogEvent{
		UserID:     c.userID,
		SessionID:  c.sessionKey,
		Channel:    "ws",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: text,
	})

	addr := c.gw.freshRun()
	c.spawn(ctx, func(ctx context.Context) {
		c.streamChat(ctx, addr, req, meta)
	})
}

// streamChat relays one agent turn. meta is the routing metadata of the
// active tool session, if any.
func (c *Conn) streamChat(ctx context.Context, addr address, req agent.ChatRequest, meta *protocol.ToolMeta) {
	tracker := c.gw.cfg.Tracker
	opCtx, op := tracker.Start(ctx, c.id, addr.cardID, "Thinking")
	defer tracker.Finish(op.OperationID)

	c.Emit(addr.apply(protocol.ServerMessage{State: protocol.StateDelta, Operation: &op, ToolMeta: meta}))

	var answer strings.Builder
	var last *agent.ChatResponse
	chunks := 0
	streaming := false

	for resp, err := range c.gw.cfg.Agent.Chat(opCtx, req) {
		if err != nil {
			c.finishChatError(opCtx, addr, op, err)
			c.logAssistant(req, addr.cardID, answer.String(), chunks, err)
			return
		}
		if resp == nil {
			continue
		}
		chunks++
		last = resp

		msg := protocol.ServerMessage{State: protocol.StateDelta, MediaURLs: resp.MediaURLs}
		meta = chatToolMeta(meta, resp)
		msg.ToolMeta = meta
		if !streaming {
			if cur, ok := tracker.Advance(op.OperationID, protocol.StageStreaming, "Responding"); ok {
				msg.Operation = &cur
			}
			streaming = true
		}
		if resp.Final {
			if resp.Text != "" {
				answer.Reset()
				answer.WriteString(resp.Text)
			}
			break
		}
		msg.Text = resp.Text
		answer.WriteString(resp.Text)
		c.Emit(addr.apply(msg))
	}

	final := protocol.ServerMessage{State: protocol.StateFinal, Text: answer.String(), ToolMeta: meta}
	var hint *signature.Signature
	if last != nil {
		final.MediaURLs = last.MediaURLs
		if meta == nil && last.ToolName != "" {
			final.ToolMeta = &protocol.ToolMeta{ToolID: last.ToolName}
		}
		if last.ToolOutput != nil {
			final.Data = last.ToolOutput
			if sig, ok := c.gw.cfg.Registry.Detect(last.ToolName, last.ToolOutput); ok {
				final.CardMode = sig.CardMode()
				hint = &sig
			}
		}
	}
	tracker.Finish(op.OperationID)
	c.Emit(addr.apply(final))
	// Session turns land on the session card, not on addr.
	if hint != nil && meta == nil {
		c.Emit(protocol.ServerMessage{
			TargetCardID: addr.cardID,
			EnhanceHint:  &protocol.EnhanceHint{SuggestedFamily: hint.ToolFamily},
		})
	}

	c.persistChat(ctx, domain.ChatEntry{SessionKey: c.sessionKey, Role: string(card.RoleAssistant), Text: answer.String(), CardID: addr.cardID})
	c.logAssistant(req, addr.cardID, answer.String(), chunks, nil)
}

// chatToolMeta updates the session routing metadata from a chunk. A chunk
// naming a tool session opens one even without a prior session start.
func chatToolMeta(meta *protocol.ToolMeta, resp *agent.ChatResponse) *protocol.ToolMeta {
	if meta == nil {
		if resp.SessionID == "" || resp.ToolName == "" {
			return nil
		}
		meta = &protocol.ToolMeta{ToolID: resp.ToolName}
	}
	next := *meta
	if resp.SessionID != "" {
		next.SessionID = resp.SessionID
	}
	next.Closed = resp.SessionClosed
	return &next
}

func (c *Conn) finishChatError(opCtx context.Context, addr address, op protocol.Operation, err error) {
	tracker := c.gw.cfg.Tracker
	if cur, ok := tracker.Get(op.OperationID); ok && cur.Stage == protocol.StageCancelled {
		c.Emit(addr.apply(protocol.ServerMessage{State: protocol.StateError, Text: "Cancelled", Operation: &cur}))
		return
	}

	text := "Agent request failed"
	switch {
	case errors.Is(err, agent.ErrUnavailable):
		text = "Agent unavailable"
	case opCtx.Err() != nil:
		text = "Request interrupted"
	}
	c.logger.Warn("Agent stream failed", "error", err, "card_id", addr.cardID)
	failed := op
	failed.Stage = protocol.StageError
	failed.Cancellable = false
	c.Emit(addr.apply(protocol.ServerMessage{State: protocol.StateError, Text: text, Operation: &failed}))
}

func (c *Conn) logAssistant(req agent.ChatRequest, cardID, content string, chunks int, streamErr error) {
	meta := map[string]any{"stream_chunks": chunks, "partial": streamErr != nil}
	if streamErr != nil {
		meta["stream_error"] = streamErr.Error()
	}
	c.gw.cfg.ConvLog.Log(agent.ConversationLogEvent{
		UserID:     req.UserID,
		SessionID:  req.SessionKey,
		Channel:    "ws",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		CardID:     cardID,
		ContentRaw: content,
		Meta:       meta,
	})
}

func (c *Conn) persistChat(ctx context.Context, entry domain.ChatEntry) {
	repo := c.gw.cfg.Repo
	if repo == nil || entry.Text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := repo.AppendChat(ctx, &entry); err != nil {
		c.logger.Warn("Failed to persist chat entry", "role", entry.Role, "error", err)
	}
}

// handleHistory replays stored chat lines as one settled card.
func (c *Conn) handleHistory(ctx context.Context, m protocol.ChatHistory) {
	repo := c.gw.cfg.Repo
	if repo == nil {
		c.deliver(ctx, failure("Chat history is not available"))
		return
	}
	entries, err := repo.ListChat(ctx, c.sessionKey, m.Limit)
	if err != nil {
		c.logger.Error("Failed to load chat history", "error", err)
		c.deliver(ctx, failure("Failed to load chat history"))
		return
	}

	rows := make([]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, map[string]any{
			"role":      e.Role,
			"text":      e.Text,
			"cardId":    e.CardID,
			"createdAt": e.CreatedAt.UnixMilli(),
		})
	}
	c.deliver(ctx, c.gw.freshRun().apply(protocol.ServerMessage{
		State:    protocol.StateFinal,
		CardType: "history",
		Data:     map[string]any{"entries": rows, "total": len(rows)},
	}))
}
