// Package card reduces the server message stream into an addressable
// collection of cards.
//
// A Store is owned by exactly one goroutine. It holds no locks: every
// mutation happens inside Apply or one of the request methods, and each call
// runs to completion before the next one starts.
package card

import (
	"slices"
	"time"

	"github.com/ashureev/cardwire/internal/protocol"
)

// Role is the author of a card.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a card.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Settled reports whether s is a terminal status.
func (s Status) Settled() bool {
	return s == StatusComplete || s == StatusError
}

// Display is the presentation toggle of a card, independent of its status.
type Display string

const (
	DisplayExpanded  Display = "expanded"
	DisplayCollapsed Display = "collapsed"
)

// EnhanceStatus tracks the enhanced (app) representation of a card.
type EnhanceStatus string

const (
	EnhanceUnset       EnhanceStatus = ""
	EnhanceLoading     EnhanceStatus = "loading"
	EnhanceReady       EnhanceStatus = "ready"
	EnhanceUnavailable EnhanceStatus = "unavailable"
	EnhanceSuggested   EnhanceStatus = "suggested"
)

// ViewMode selects which representation of a card is shown.
type ViewMode string

const (
	ViewOriginal ViewMode = "original"
	ViewApp      ViewMode = "app"
)

// Card types assigned outside the resolver.
const (
	TypeText         = "text"
	TypeError        = "error"
	TypeTerminal     = "terminal"
	TypeAction       = "action"
	TypeNotification = "notification"
)

// Card is the unit of conversation.
type Card struct {
	ID      string  `json:"id"`
	RunID   string  `json:"runId,omitempty"`
	Role    Role    `json:"role"`
	Status  Status  `json:"status"`
	Display Display `json:"display"`

	Text        string   `json:"text"`
	Data        any      `json:"data,omitempty"`
	GeneratedUI any      `json:"generatedUI,omitempty"`
	MediaURLs   []string `json:"mediaUrls,omitempty"`
	CardType    string   `json:"cardType,omitempty"`
	CardMode    string   `json:"cardMode,omitempty"`
	Error       string   `json:"error,omitempty"`

	ToolMeta *protocol.ToolMeta `json:"toolMeta,omitempty"`
	// Session is set on a long-lived card addressed by the active session
	// pointer instead of by run.
	Session bool `json:"session,omitempty"`

	PendingAction    string              `json:"pendingAction,omitempty"`
	Operation        *protocol.Operation `json:"operation,omitempty"`
	CancelRequested  bool                `json:"cancelRequested,omitempty"`
	PendingQuestions []protocol.Question `json:"pendingQuestions,omitempty"`
	Steps            []protocol.Step     `json:"steps,omitempty"`

	EnhanceStatus   EnhanceStatus `json:"enhanceStatus,omitempty"`
	EnhanceDeadline time.Time     `json:"-"`
	SuggestedFamily string        `json:"suggestedFamily,omitempty"`
	AppData         any           `json:"appData,omitempty"`
	AppGeneratedUI  any           `json:"appGeneratedUI,omitempty"`
	AppCardMode     string        `json:"appCardMode,omitempty"`
	ViewMode        ViewMode      `json:"viewMode"`

	AppProposal     *protocol.AppProposal `json:"appProposal,omitempty"`
	ProposalPending bool                  `json:"proposalPending,omitempty"`
	BuildPending    bool                  `json:"buildPending,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Session cards accumulate several runs; these mark where the text of
	// the current run begins so a final message replaces only that segment.
	sessionRunID string
	segmentStart int
}

// IsSession reports whether the card is a long-lived session card.
func (c *Card) IsSession() bool {
	return c.Session
}

// ToolName returns the tool that produced the card, if known.
func (c *Card) ToolName() string {
	if c.ToolMeta == nil {
		return ""
	}
	return c.ToolMeta.ToolID
}

func (c *Card) clone() Card {
	out := *c
	out.MediaURLs = slices.Clone(c.MediaURLs)
	out.PendingQuestions = slices.Clone(c.PendingQuestions)
	out.Steps = slices.Clone(c.Steps)
	if c.ToolMeta != nil {
		tm := *c.ToolMeta
		out.ToolMeta = &tm
	}
	if c.Operation != nil {
		op := *c.Operation
		out.Operation = &op
	}
	if c.AppProposal != nil {
		p := *c.AppProposal
		p.Actions = slices.Clone(p.Actions)
		out.AppProposal = &p
	}
	return out
}
