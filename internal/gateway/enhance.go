package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ashureev/cardwire/internal/card"
	"github.com/ashureev/cardwire/internal/domain"
	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/ashureev/cardwire/internal/signature"
	"github.com/lithammer/shortuuid/v4"
)

var (
	errNoSignature = errors.New("no template signature for this card")
	errNoStorage   = errors.New("app storage not configured")
)

// handleEnhance answers a card.enhance request with the normalized data and
// template of the card's signature, or unavailable.
func (c *Conn) handleEnhance(ctx context.Context, m protocol.CardEnhance) {
	snapshot, known := c.cards.Card(m.CardID)
	if known {
		if snapshot.EnhanceStatus == card.EnhanceLoading {
			c.logger.Debug("Enhance already in flight", "card_id", m.CardID)
			return
		}
		if m.Data == nil {
			m.Data = snapshot.Data
		}
		if m.ToolName == "" {
			m.ToolName = snapshot.ToolName()
		}
		if m.CardMode == "" {
			m.CardMode = snapshot.CardMode
		}
		c.cards.RequestEnhance(m.CardID)
	}

	c.spawn(ctx, func(ctx context.Context) {
		res := c.enhance(ctx, m)
		c.Emit(protocol.ServerMessage{TargetCardID: m.CardID, EnhanceResult: &res})
	})
}

func (c *Conn) enhance(ctx context.Context, m protocol.CardEnhance) protocol.EnhanceResult {
	ctx, cancel := context.WithTimeout(ctx, c.gw.cfg.EnhanceTimeout)
	defer cancel()
	reg := c.gw.cfg.Registry

	data := m.Data
	if data == nil && m.ToolName != "" {
		fetched, err := c.fetchToolData(ctx, m.ToolName)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.EnhanceResult{Unavailable: true, Reason: "timed out"}
			}
			c.logger.Info("Enhance could not fetch data", "card_id", m.CardID, "tool", m.ToolName, "error", err)
		}
		data = fetched
	}
	if data == nil {
		return protocol.EnhanceResult{Unavailable: true, Reason: "no structured data"}
	}

	sig, ok := reg.LookupMode(m.CardMode)
	if !ok || reg.HintMismatch(sig, data) {
		sig, ok = reg.Detect(m.ToolName, data)
	}
	if !ok {
		return protocol.EnhanceResult{Unavailable: true, Reason: "no template for this output"}
	}
	return protocol.EnhanceResult{
		Data:        signature.Normalize(sig, data),
		GeneratedUI: templateRef(sig),
		CardMode:    sig.CardMode(),
	}
}

// fetchToolData runs a tool without parameters and returns its JSON output.
func (c *Conn) fetchToolData(ctx context.Context, toolName string) (any, error) {
	tool, err := c.gw.cfg.Catalog.Resolve(ctx, c.toolContext(), toolName)
	if err != nil {
		return nil, err
	}
	res, err := tool.Execute(ctx, c.gw.newID(), map[string]any{})
	if err != nil {
		return nil, err
	}
	exec := signature.ClassifyExecution(res)
	if !exec.OK {
		return nil, errors.New(exec.Error)
	}
	return exec.Data, nil
}

// handlePropose pre-fills a build definition for a card. A card without a
// signature gets an empty proposal so the request still settles.
func (c *Conn) handlePropose(ctx context.Context, m protocol.CardProposeApp) {
	snapshot, known := c.cards.Card(m.CardID)
	if known {
		c.cards.RequestProposal(m.CardID)
	}

	var p protocol.AppProposal
	if known {
		p = c.propose(snapshot)
	}
	if p.Empty() {
		c.logger.Info("No app proposal for card", "card_id", m.CardID)
	}
	c.deliver(ctx, protocol.ServerMessage{TargetCardID: m.CardID, AppProposal: &p})
}

func (c *Conn) propose(snapshot card.Card) protocol.AppProposal {
	reg := c.gw.cfg.Registry
	sig, ok := reg.LookupMode(snapshot.CardMode)
	if !ok {
		sig, ok = reg.Detect(snapshot.ToolName(), snapshot.Data)
	}
	if !ok {
		return protocol.AppProposal{}
	}

	toolName := snapshot.ToolName()
	if toolName == "" && len(sig.SupportedActions) > 0 {
		if f, ok := reg.Family(sig.ToolFamily); ok {
			toolName = f.ToolName(sig.SupportedActions[0])
		}
	}
	name := signature.Humanize(sig.SignatureID)
	if sig.Auto {
		name = signature.Humanize(sig.ToolFamily) + " app"
	}
	return protocol.AppProposal{
		Name:        name,
		Description: fmt.Sprintf("Interactive %s view", signature.Humanize(sig.SignatureID)),
		ToolFamily:  sig.ToolFamily,
		SignatureID: sig.SignatureID,
		ToolName:    toolName,
		Actions:     slices.Clone(sig.SupportedActions),
	}
}

// handleBuild starts the fire-and-forget build. Completion is broadcast to
// every connection of the session as a buildComplete naming the card.
func (c *Conn) handleBuild(ctx context.Context, m protocol.CardBuildApp) {
	def := m
	var cardMode string
	if snapshot, known := c.cards.Card(m.CardID); known {
		filled, ok := c.cards.RequestBuild(m.CardID, m)
		if !ok {
			c.logger.Info("Build already pending", "card_id", m.CardID)
			return
		}
		def = filled
		cardMode = snapshot.CardMode
	}

	c.spawn(ctx, func(ctx context.Context) {
		bc := protocol.BuildComplete{CardID: def.CardID}
		app, err := c.buildApp(ctx, def, cardMode)
		if err != nil {
			c.logger.Warn("App build failed", "card_id", def.CardID, "error", err)
			bc.Error = err.Error()
		} else {
			c.logger.Info("App built", "card_id", def.CardID, "app_id", app.ID, "signature", app.SignatureID)
			bc.Success = true
			bc.AppID = app.ID
			bc.Name = app.Name
		}
		c.gw.broadcast(c, protocol.ServerMessage{BuildComplete: &bc})
		if bc.Success {
			if msg, err := c.appsListMessage(ctx); err == nil {
				c.gw.broadcast(c, msg)
			}
		}
	})
}

func (c *Conn) buildApp(ctx context.Context, def protocol.CardBuildApp, cardMode string) (*domain.App, error) {
	reg := c.gw.cfg.Registry
	var sig signature.Signature
	found := false
	if def.ToolFamily != "" && def.SignatureID != "" {
		sig, found = reg.Lookup(def.ToolFamily, def.SignatureID)
	}
	if !found && def.ToolName != "" {
		sig, found = reg.DetectByToolName(def.ToolName)
	}
	if !found && cardMode != "" {
		sig, found = reg.LookupMode(cardMode)
	}
	if !found {
		return nil, errNoSignature
	}
	if c.gw.cfg.Repo == nil {
		return nil, errNoStorage
	}

	name := def.Name
	if name == "" {
		name = signature.Humanize(sig.SignatureID)
	}
	actions := def.Actions
	if actions == nil {
		actions = slices.Clone(sig.SupportedActions)
	}
	app := &domain.App{
		ID:           shortuuid.New(),
		Name:         name,
		Description:  def.Description,
		ToolName:     def.ToolName,
		ToolFamily:   sig.ToolFamily,
		SignatureID:  sig.SignatureID,
		TemplateID:   sig.TemplateID,
		TemplateCode: reg.TemplateCode(sig),
		Actions:      actions,
		SourceCardID: def.CardID,
		SessionKey:   c.sessionKey,
	}
	if err := c.gw.cfg.Repo.SaveApp(ctx, app); err != nil {
		return nil, fmt.Errorf("save app: %w", err)
	}
	return app, nil
}
