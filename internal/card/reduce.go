package card

import (
	"fmt"
	"slices"

	"github.com/ashureev/cardwire/internal/protocol"
)

// Route names the tier that handled a server message.
type Route string

const (
	RouteTarget  Route = "target"
	RouteSession Route = "session"
	RouteRun     Route = "run"
	// RouteNotice covers session-level payloads such as settings or build
	// completion, and cards created outside any run.
	RouteNotice  Route = "notice"
	RouteDropped Route = "dropped"
)

// Outcome reports what Apply did with a message.
type Outcome struct {
	Route   Route
	CardID  string
	Created bool
}

// ApplyRaw decodes and applies one wire message. Malformed input becomes a
// session-level error card instead of an error return.
func (s *Store) ApplyRaw(sess *Session, raw []byte) Outcome {
	msg, err := protocol.DecodeServerMessage(raw)
	if err != nil {
		s.logger.Warn("Malformed server message", "session", sess.Key, "error", err)
		c := s.notify(TypeError, "")
		c.Status = StatusError
		c.Error = err.Error()
		return Outcome{Route: RouteNotice, CardID: c.ID, Created: true}
	}
	return s.Apply(sess, msg)
}

// Apply reduces one server message into the store. Routing precedence is
// targetCardId, then the active session card, then runId.
func (s *Store) Apply(sess *Session, msg protocol.ServerMessage) Outcome {
	notice := s.applySessionLevel(sess, msg)

	if msg.TargetCardID != "" {
		return s.applyTargeted(msg)
	}

	if out, ok := s.applySession(sess, msg); ok {
		return out
	}

	if msg.RunID != "" {
		return s.applyRun(msg)
	}

	if msg.State == protocol.StateError || hasContent(msg) {
		c := s.create(RoleAssistant, "", msg.ID)
		s.merge(c, msg, false)
		return Outcome{Route: RouteNotice, CardID: c.ID, Created: true}
	}
	if notice.Route != "" {
		return notice
	}
	s.logger.Debug("Dropping empty server message", "session", sess.Key, "id", msg.ID)
	return Outcome{Route: RouteDropped}
}

func (s *Store) applySessionLevel(sess *Session, msg protocol.ServerMessage) Outcome {
	var out Outcome
	if msg.Settings != nil && msg.Settings.ChannelMode.Valid() {
		sess.ChannelMode = msg.Settings.ChannelMode
		out.Route = RouteNotice
	}
	if msg.AppsList != nil {
		s.apps = slices.Clone(msg.AppsList)
		out.Route = RouteNotice
	}
	if msg.AppsDeleted != nil {
		s.apps = nil
		c := s.notify(TypeNotification, fmt.Sprintf("Deleted %d saved apps", *msg.AppsDeleted))
		out = Outcome{Route: RouteNotice, CardID: c.ID, Created: true}
	}
	if msg.AppSaved != nil {
		c := s.notify(TypeNotification, fmt.Sprintf("Saved %s to %s", msg.AppSaved.Name, msg.AppSaved.Path))
		out = Outcome{Route: RouteNotice, CardID: c.ID, Created: true}
	}
	if msg.BuildComplete != nil {
		out = s.applyBuildComplete(*msg.BuildComplete)
	}
	return out
}

func (s *Store) applyTargeted(msg protocol.ServerMessage) Outcome {
	c, ok := s.cards[msg.TargetCardID]
	if !ok {
		s.logger.Info("Dropping message for missing card",
			"target_card_id", msg.TargetCardID, "run_id", msg.RunID)
		return Outcome{Route: RouteDropped}
	}

	if msg.EnhanceResult != nil {
		s.applyEnhanceResult(c, *msg.EnhanceResult)
	}
	if msg.EnhanceHint != nil && c.EnhanceStatus == EnhanceUnset {
		c.EnhanceStatus = EnhanceSuggested
		c.SuggestedFamily = msg.EnhanceHint.SuggestedFamily
		s.touch(c)
	}
	if msg.AppProposal != nil {
		p := *msg.AppProposal
		p.Actions = slices.Clone(p.Actions)
		c.AppProposal = &p
		c.ProposalPending = false
		s.touch(c)
	}
	if msg.State != "" {
		s.merge(c, msg, false)
	}
	return Outcome{Route: RouteTarget, CardID: c.ID}
}

// applySession appends a message to the active session card when its tool
// metadata matches, regardless of runId.
func (s *Store) applySession(sess *Session, msg protocol.ServerMessage) (Outcome, bool) {
	if msg.ToolMeta == nil || sess.ActiveTerminalCardID == "" {
		return Outcome{}, false
	}
	c, ok := s.cards[sess.ActiveTerminalCardID]
	if !ok {
		sess.ActiveTerminalCardID = ""
		return Outcome{}, false
	}
	if !sessionMatches(c.ToolMeta, msg.ToolMeta) {
		return Outcome{}, false
	}
	if c.ToolMeta.SessionID == "" && msg.ToolMeta.SessionID != "" {
		c.ToolMeta.SessionID = msg.ToolMeta.SessionID
	}
	if msg.RunID != "" {
		s.runIndex[msg.RunID] = c.ID
	}

	s.merge(c, msg, true)

	if msg.ToolMeta.Closed {
		sess.ActiveTerminalCardID = ""
	}
	return Outcome{Route: RouteSession, CardID: c.ID}, true
}

func sessionMatches(card, msg *protocol.ToolMeta) bool {
	if card == nil {
		return false
	}
	if card.SessionID != "" {
		return card.SessionID == msg.SessionID
	}
	return card.ToolID != "" && card.ToolID == msg.ToolID
}

func (s *Store) applyRun(msg protocol.ServerMessage) Outcome {
	if msg.IsNotRunningReply() {
		return s.applyNotRunning(msg)
	}

	if id, ok := s.runIndex[msg.RunID]; ok {
		c := s.cards[id]
		s.merge(c, msg, c.IsSession())
		return Outcome{Route: RouteRun, CardID: c.ID}
	}
	if id, ok := s.opIndex[msg.RunID]; ok {
		if c, ok := s.cards[id]; ok {
			s.merge(c, msg, false)
			return Outcome{Route: RouteRun, CardID: c.ID}
		}
	}

	c := s.create(RoleAssistant, msg.RunID, msg.ID)
	s.merge(c, msg, false)
	return Outcome{Route: RouteRun, CardID: c.ID, Created: true}
}

// applyNotRunning resolves the synthetic reply to cancelling an operation
// that is not running. It never creates a card and never settles one: a
// streaming card only loses its pending cancel, and its final still lands.
func (s *Store) applyNotRunning(msg protocol.ServerMessage) Outcome {
	id, ok := s.opIndex[msg.Operation.OperationID]
	if !ok {
		s.logger.Info("Dropping not-running reply for unknown operation",
			"operation_id", msg.Operation.OperationID)
		return Outcome{Route: RouteDropped}
	}
	c, ok := s.cards[id]
	if !ok {
		return Outcome{Route: RouteDropped}
	}
	c.CancelRequested = false
	if c.Status == StatusStreaming && c.Operation != nil &&
		c.Operation.OperationID == msg.Operation.OperationID {
		op := *c.Operation
		op.Label = msg.Operation.Label
		op.Cancellable = false
		c.Operation = &op
	}
	s.touch(c)
	return Outcome{Route: RouteRun, CardID: c.ID}
}

// merge applies msg to c. Settled cards ignore further messages unless
// reopen is set, which session cards use to accept a new exchange.
func (s *Store) merge(c *Card, msg protocol.ServerMessage, reopen bool) {
	if c.Status.Settled() {
		if !reopen {
			s.logger.Debug("Ignoring message for settled card",
				"card_id", c.ID, "state", msg.State, "run_id", msg.RunID)
			return
		}
		c.Status = StatusStreaming
	}

	if c.IsSession() && msg.RunID != "" && msg.RunID != c.sessionRunID {
		if c.Text != "" {
			c.Text += "\n\n"
		}
		c.sessionRunID = msg.RunID
		c.segmentStart = len(c.Text)
	}

	s.mergeContent(c, msg)

	switch msg.State {
	case protocol.StateFinal:
		if msg.Text != "" {
			c.Text = c.Text[:c.segmentStart] + msg.Text
		}
		c.Status = StatusComplete
		if !c.IsSession() {
			c.CardType = s.resolver.Resolve(c, msg)
		}
		s.settle(c)
	case protocol.StateError:
		c.Status = StatusError
		c.Error = msg.Text
		if c.Error == "" && msg.Operation != nil {
			c.Error = msg.Operation.Label
		}
		if c.Error == "" {
			c.Error = "request failed"
		}
		if !c.IsSession() && msg.CardType == "" {
			c.CardType = TypeError
		}
		s.settle(c)
	default:
		c.Text += msg.Text
	}
	s.touch(c)
}

func (s *Store) mergeContent(c *Card, msg protocol.ServerMessage) {
	if msg.Data != nil {
		c.Data = msg.Data
	}
	if msg.GeneratedUI != nil {
		c.GeneratedUI = msg.GeneratedUI
	}
	for _, u := range msg.MediaURLs {
		if !slices.Contains(c.MediaURLs, u) {
			c.MediaURLs = append(c.MediaURLs, u)
		}
	}
	if msg.Steps != nil {
		c.Steps = slices.Clone(msg.Steps)
	}
	if msg.Questions != nil {
		c.PendingQuestions = slices.Clone(msg.Questions)
	}
	if msg.CardType != "" && !c.IsSession() {
		c.CardType = msg.CardType
	}
	if msg.CardMode != "" {
		c.CardMode = msg.CardMode
	}
	if msg.ToolMeta != nil && c.ToolMeta == nil {
		tm := *msg.ToolMeta
		c.ToolMeta = &tm
	}
	if msg.Operation != nil {
		s.advanceOperation(c, *msg.Operation)
	}
}

// advanceOperation records operation progress. Within one operation id the
// stage only moves forward; a new id replaces the operation.
func (s *Store) advanceOperation(c *Card, op protocol.Operation) {
	if op.OperationID == "" {
		return
	}
	s.opIndex[op.OperationID] = c.ID
	if c.Operation != nil && c.Operation.OperationID == op.OperationID &&
		op.Stage.Rank() < c.Operation.Stage.Rank() {
		return
	}
	c.Operation = &op
}

func (s *Store) settle(c *Card) {
	c.Operation = nil
	c.PendingAction = ""
	c.CancelRequested = false
}

func hasContent(msg protocol.ServerMessage) bool {
	return msg.Text != "" || msg.Data != nil || msg.GeneratedUI != nil ||
		len(msg.MediaURLs) > 0 || msg.Operation != nil || msg.Steps != nil ||
		msg.Questions != nil || msg.CardType != ""
}
