package card

import (
	"fmt"
	"slices"
	"time"

	"github.com/ashureev/cardwire/internal/protocol"
)

// RequestEnhance marks a card as waiting for its enhanced representation and
// returns the wire request. A card already loading is not asked again.
func (s *Store) RequestEnhance(cardID string) (protocol.CardEnhance, bool) {
	c, ok := s.cards[cardID]
	if !ok || c.EnhanceStatus == EnhanceLoading {
		return protocol.CardEnhance{}, false
	}
	c.EnhanceStatus = EnhanceLoading
	c.EnhanceDeadline = s.now().Add(s.enhanceTimeout)
	s.touch(c)
	return protocol.CardEnhance{
		CardID:   c.ID,
		ToolName: c.ToolName(),
		CardMode: c.CardMode,
		Data:     c.Data,
	}, true
}

// ExpireEnhancements forces every loading card whose window has passed to
// unavailable and returns their ids.
func (s *Store) ExpireEnhancements(now time.Time) []string {
	var expired []string
	for _, id := range s.order {
		c := s.cards[id]
		if c.EnhanceStatus != EnhanceLoading || now.Before(c.EnhanceDeadline) {
			continue
		}
		c.EnhanceStatus = EnhanceUnavailable
		c.EnhanceDeadline = time.Time{}
		s.touch(c)
		expired = append(expired, id)
	}
	if len(expired) > 0 {
		s.logger.Info("Enhance requests timed out", "cards", len(expired))
	}
	return expired
}

// NextEnhanceDeadline returns the earliest pending enhance deadline.
func (s *Store) NextEnhanceDeadline() (time.Time, bool) {
	var next time.Time
	for _, c := range s.cards {
		if c.EnhanceStatus != EnhanceLoading {
			continue
		}
		if next.IsZero() || c.EnhanceDeadline.Before(next) {
			next = c.EnhanceDeadline
		}
	}
	return next, !next.IsZero()
}

// applyEnhanceResult settles a loading enhancement. A result for a card that
// is not loading, such as one arriving after the timeout, is ignored: the
// card keeps its terminal state and view.
func (s *Store) applyEnhanceResult(c *Card, res protocol.EnhanceResult) {
	if c.EnhanceStatus != EnhanceLoading {
		s.logger.Debug("Ignoring enhance result for card not loading",
			"card_id", c.ID, "enhance_status", c.EnhanceStatus, "unavailable", res.Unavailable)
		return
	}
	c.EnhanceDeadline = time.Time{}
	if res.Unavailable || (res.Data == nil && res.GeneratedUI == nil) {
		c.EnhanceStatus = EnhanceUnavailable
		s.touch(c)
		return
	}
	c.EnhanceStatus = EnhanceReady
	c.AppData = res.Data
	c.AppGeneratedUI = res.GeneratedUI
	c.AppCardMode = res.CardMode
	c.ViewMode = ViewApp
	s.touch(c)
}

// SetViewMode switches between the original and the app representation.
// The app view requires a ready enhancement.
func (s *Store) SetViewMode(cardID string, mode ViewMode) bool {
	c, ok := s.cards[cardID]
	if !ok {
		return false
	}
	if mode == ViewApp && c.EnhanceStatus != EnhanceReady {
		return false
	}
	c.ViewMode = mode
	s.touch(c)
	return true
}

// RequestProposal asks the server to pre-fill a build definition for a card.
func (s *Store) RequestProposal(cardID string) (protocol.CardProposeApp, bool) {
	c, ok := s.cards[cardID]
	if !ok || c.ProposalPending {
		return protocol.CardProposeApp{}, false
	}
	c.ProposalPending = true
	s.touch(c)
	return protocol.CardProposeApp{CardID: c.ID}, true
}

// RequestBuild starts the heavy build flow. Empty fields of def are filled
// from the card's proposal. The outcome arrives as a buildComplete message.
func (s *Store) RequestBuild(cardID string, def protocol.CardBuildApp) (protocol.CardBuildApp, bool) {
	c, ok := s.cards[cardID]
	if !ok || c.BuildPending {
		return protocol.CardBuildApp{}, false
	}
	def.CardID = c.ID
	if p := c.AppProposal; p != nil {
		if def.Name == "" {
			def.Name = p.Name
		}
		if def.Description == "" {
			def.Description = p.Description
		}
		if def.ToolName == "" {
			def.ToolName = p.ToolName
		}
		if def.ToolFamily == "" {
			def.ToolFamily = p.ToolFamily
		}
		if def.SignatureID == "" {
			def.SignatureID = p.SignatureID
		}
		if def.Actions == nil {
			def.Actions = slices.Clone(p.Actions)
		}
	}
	if def.ToolName == "" {
		def.ToolName = c.ToolName()
	}
	c.BuildPending = true
	s.touch(c)
	return def, true
}

// applyBuildComplete adds an independent notification card and, if the
// originating card still exists, settles its build state.
func (s *Store) applyBuildComplete(bc protocol.BuildComplete) Outcome {
	text := fmt.Sprintf("Built app %q", bc.Name)
	if !bc.Success {
		text = "App build failed"
		if bc.Error != "" {
			text += ": " + bc.Error
		}
	}
	n := s.notify(TypeNotification, text)
	if !bc.Success {
		n.Status = StatusError
		n.Error = bc.Error
	}

	if c, ok := s.cards[bc.CardID]; ok {
		c.BuildPending = false
		if bc.Success {
			c.EnhanceStatus = EnhanceReady
			c.EnhanceDeadline = time.Time{}
		} else if c.EnhanceStatus == EnhanceLoading {
			c.EnhanceStatus = EnhanceUnavailable
		}
		s.touch(c)
	} else {
		s.logger.Info("Build finished for missing card", "card_id", bc.CardID, "app_id", bc.AppID)
	}
	return Outcome{Route: RouteNotice, CardID: n.ID, Created: true}
}
