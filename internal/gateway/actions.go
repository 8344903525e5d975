package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/cardwire/internal/agent"
	"github.com/ashureev/cardwire/internal/catalog"
	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/ashureev/cardwire/internal/signature"
)

// handleCardAction runs the tool behind a card action and reports progress
// on that card. ui_action messages arrive without tool context and are bound
// to the card here.
func (c *Conn) handleCardAction(ctx context.Context, m protocol.CardAction, fromUI bool) {
	snapshot, ok := c.cards.Card(m.CardID)
	if !ok {
		c.logger.Info("Card action for unknown card", "card_id", m.CardID, "action", m.Action)
		c.deliver(ctx, failure("Card is no longer available"))
		return
	}
	if fromUI || m.ToolName == "" {
		m.ToolName = snapshot.ToolName()
	}
	if m.CardMode == "" {
		m.CardMode = snapshot.CardMode
	}
	if _, accepted := c.cards.DispatchAction(c.session, m.CardID, m.Action, m.Payload); !accepted {
		c.logger.Warn("Card action rejected, card busy", "card_id", m.CardID, "action", m.Action)
		return
	}

	toolName := resolveActionTool(c.gw.cfg.Registry, m)
	c.gw.cfg.ConvLog.Log(agent.ConversationLogEvent{
		UserID:     c.userID,
		SessionID:  c.sessionKey,
		Channel:    "ws",
		Direction:  "outbound",
		EventType:  "card_action",
		CardID:     m.CardID,
		ContentRaw: m.Action,
		Meta:       map[string]any{"tool": toolName},
	})

	addr := address{target: m.CardID}
	params := actionParams(m.Payload)
	c.spawn(ctx, func(ctx context.Context) {
		c.runTool(ctx, addr, toolName, params, signature.Humanize(m.Action))
	})
}

// handleListProjects lists the catalog's plugins as a fresh card.
func (c *Conn) handleListProjects(ctx context.Context) {
	plugins := c.gw.cfg.Catalog.Plugins()
	rows := make([]any, 0, len(plugins))
	for _, p := range plugins {
		names := make([]any, 0, len(p.Names))
		for _, n := range p.Names {
			names = append(names, n)
		}
		rows = append(rows, map[string]any{"id": p.ID, "names": names})
	}
	data := map[string]any{"plugins": rows, "total": len(rows)}

	msg := c.gw.freshRun().apply(protocol.ServerMessage{
		State: protocol.StateFinal,
		Text:  fmt.Sprintf("%d tool projects available", len(rows)),
		Data:  data,
	})
	if sig, ok := c.gw.cfg.Registry.Detect("toolcatalog_list_projects", data); ok {
		msg.CardMode = sig.CardMode()
		msg.GeneratedUI = templateRef(sig)
	}
	c.deliver(ctx, msg)
}

// runTool executes one tool call as a cancellable operation. Progress and the
// outcome are emitted to addr.
func (c *Conn) runTool(ctx context.Context, addr address, toolName string, params map[string]any, label string) {
	tracker := c.gw.cfg.Tracker
	opCtx, op := tracker.Start(ctx, c.id, addr.cardRef(), label)
	defer tracker.Finish(op.OperationID)
	logger := c.logger.With("operation_id", op.OperationID, "tool", toolName)

	c.Emit(addr.apply(protocol.ServerMessage{State: protocol.StateDelta, Operation: &op}))

	fail := func(text string) {
		if cur, ok := tracker.Get(op.OperationID); ok && cur.Stage == protocol.StageCancelled {
			c.Emit(addr.apply(protocol.ServerMessage{State: protocol.StateError, Text: "Cancelled", Operation: &cur}))
			return
		}
		failed := op
		failed.Stage = protocol.StageError
		failed.Cancellable = false
		c.Emit(addr.apply(protocol.ServerMessage{State: protocol.StateError, Text: text, Operation: &failed}))
	}

	tool, err := c.gw.cfg.Catalog.Resolve(opCtx, c.toolContext(), toolName)
	if err != nil {
		logger.Warn("Tool not resolved", "error", err)
		if errors.Is(err, catalog.ErrToolNotFound) {
			fail(fmt.Sprintf("Unknown tool %q", toolName))
			return
		}
		fail(err.Error())
		return
	}

	if op, ok := tracker.Advance(op.OperationID, protocol.StageCallingTool, "Calling "+toolName); ok {
		c.Emit(addr.apply(protocol.ServerMessage{State: protocol.StateDelta, Operation: &op}))
	}

	res, err := tool.Execute(opCtx, c.gw.newID(), params)
	if err == nil && opCtx.Err() != nil {
		err = opCtx.Err()
	}
	if err != nil {
		logger.Warn("Tool execution failed", "error", err)
		fail(err.Error())
		return
	}

	exec := signature.ClassifyExecution(res)
	if !exec.OK {
		logger.Info("Tool reported an error", "error", exec.Error)
		fail(exec.Error)
		return
	}

	if op, ok := tracker.Advance(op.OperationID, protocol.StageGeneratingUI, "Rendering"); ok {
		c.Emit(addr.apply(protocol.ServerMessage{State: protocol.StateDelta, Operation: &op}))
	}

	final := protocol.ServerMessage{State: protocol.StateFinal}
	if exec.Data == nil {
		final.Text = exec.Text
	} else if sig, ok := c.gw.cfg.Registry.Detect(toolName, exec.Data); ok {
		final.Data = signature.Normalize(sig, exec.Data)
		final.CardMode = sig.CardMode()
		final.GeneratedUI = templateRef(sig)
	} else {
		final.Data = exec.Data
	}
	final.ToolMeta = &protocol.ToolMeta{ToolID: toolName}
	tracker.Finish(op.OperationID)
	c.Emit(addr.apply(final))
	logger.Info("Tool call completed", "card_mode", final.CardMode)
}

// resolveActionTool maps an action name to a catalog tool: an explicit tool
// in the payload wins, then the family of the card's tool or card mode, then
// the bare action name.
func resolveActionTool(reg *signature.Registry, m protocol.CardAction) string {
	if obj, ok := m.Payload.(map[string]any); ok {
		for _, k := range []string{"toolName", "tool_name"} {
			if s, ok := obj[k].(string); ok && s != "" {
				return s
			}
		}
	}

	var sig signature.Signature
	found := false
	if m.ToolName != "" {
		sig, found = reg.DetectByToolName(m.ToolName)
	}
	if !found && m.CardMode != "" {
		sig, found = reg.LookupMode(m.CardMode)
	}
	if found {
		if f, ok := reg.Family(sig.ToolFamily); ok {
			return f.ToolName(m.Action)
		}
	}
	return m.Action
}

func actionParams(payload any) map[string]any {
	switch p := payload.(type) {
	case map[string]any:
		return p
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"value": p}
	}
}
