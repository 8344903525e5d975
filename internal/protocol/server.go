// Package protocol defines the card wire protocol exchanged between the
// server and the client-side card store.
package protocol

import (
	"encoding/json"
	"fmt"
)

// State is the settlement state carried by a server message.
type State string

const (
	// StateDelta is an incremental update for a run.
	StateDelta State = "delta"
	// StateFinal settles a run successfully.
	StateFinal State = "final"
	// StateError settles a run with a failure.
	StateError State = "error"
)

// Stage is the progress stage of a long-running operation.
type Stage string

const (
	StageProcessing    Stage = "processing"
	StageCallingTool   Stage = "calling_tool"
	StageGeneratingUI  Stage = "generating_ui"
	StageAgentFallback Stage = "agent_fallback"
	StageStreaming     Stage = "streaming"
	StageComplete      Stage = "complete"
	StageCancelled     Stage = "cancelled"
	StageError         Stage = "error"
)

var stageRank = map[Stage]int{
	StageProcessing:    0,
	StageCallingTool:   1,
	StageGeneratingUI:  2,
	StageAgentFallback: 3,
	StageStreaming:     4,
	StageComplete:      5,
	StageCancelled:     5,
	StageError:         5,
}

// Rank orders stages so that a stage never regresses. Unknown stages rank
// below processing.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether the stage ends the operation.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageCancelled || s == StageError
}

// DefaultCancellable is the cancellable flag the server attaches to a stage.
func (s Stage) DefaultCancellable() bool {
	switch s {
	case StageProcessing, StageCallingTool, StageAgentFallback, StageStreaming:
		return true
	default:
		return false
	}
}

// ChannelMode controls whether card actions are narrated as chat turns.
type ChannelMode string

const (
	// ChannelModeApp keeps card actions silent.
	ChannelModeApp ChannelMode = "app"
	// ChannelModeChat adds an acknowledgment card for every card action.
	ChannelModeChat ChannelMode = "chat"
)

// Valid reports whether m is a known channel mode.
func (m ChannelMode) Valid() bool {
	return m == ChannelModeApp || m == ChannelModeChat
}

// Operation is the transient status of a cancellable sub-task.
type Operation struct {
	OperationID string `json:"operationId"`
	Stage       Stage  `json:"stage"`
	Label       string `json:"label,omitempty"`
	Cancellable bool   `json:"cancellable"`
}

// ToolMeta identifies the tool (and optional session) that produced a message.
type ToolMeta struct {
	ToolID    string `json:"toolId"`
	SessionID string `json:"sessionId,omitempty"`
	Closed    bool   `json:"closed,omitempty"`
}

// Settings carries session-wide settings pushed by the server.
type Settings struct {
	ChannelMode ChannelMode `json:"channelMode"`
}

// Step is one entry in a card's ordered sub-step log.
type Step struct {
	Label  string `json:"label"`
	Status string `json:"status,omitempty"`
	At     int64  `json:"at,omitempty"`
}

// Question is a blocking multiple-choice prompt attached to a card.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Multi   bool     `json:"multi,omitempty"`
}

// TemplateRef is the generatedUI value the server attaches to classified data.
type TemplateRef struct {
	TemplateID  string `json:"templateId"`
	ToolFamily  string `json:"toolFamily"`
	SignatureID string `json:"signatureId"`
}

// EnhanceResult answers a card.enhance request.
type EnhanceResult struct {
	Data        any    `json:"data,omitempty"`
	GeneratedUI any    `json:"generatedUI,omitempty"`
	CardMode    string `json:"cardMode,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// EnhanceHint suggests that a richer representation exists for a card.
type EnhanceHint struct {
	SuggestedFamily string `json:"suggestedFamily"`
}

// AppProposal pre-fills a human-editable build definition.
type AppProposal struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	ToolFamily  string   `json:"toolFamily,omitempty"`
	SignatureID string   `json:"signatureId,omitempty"`
	ToolName    string   `json:"toolName,omitempty"`
	Actions     []string `json:"actions,omitempty"`
}

// Empty reports whether the proposal carries nothing to pre-fill.
func (p AppProposal) Empty() bool {
	return p.Name == "" && p.Description == "" && p.ToolName == "" && len(p.Actions) == 0
}

// AppSummary describes a saved app.
type AppSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ToolFamily  string `json:"toolFamily,omitempty"`
	SignatureID string `json:"signatureId,omitempty"`
	ToolName    string `json:"toolName,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	Exported    bool   `json:"exported,omitempty"`
}

// AppSaved reports an app written to the codebase export directory.
type AppSaved struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// BuildComplete is the fire-and-forget completion of a card.build_app request.
// CardID names the originating card explicitly.
type BuildComplete struct {
	CardID  string `json:"cardId"`
	AppID   string `json:"appId,omitempty"`
	Name    string `json:"name,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ServerMessage is a single server-to-client event.
type ServerMessage struct {
	ID            string         `json:"id,omitempty"`
	RunID         string         `json:"runId,omitempty"`
	SessionKey    string         `json:"sessionKey,omitempty"`
	Seq           int64          `json:"seq,omitempty"`
	State         State          `json:"state,omitempty"`
	Text          string         `json:"text,omitempty"`
	Data          any            `json:"data,omitempty"`
	GeneratedUI   any            `json:"generatedUI,omitempty"`
	MediaURLs     []string       `json:"mediaUrls,omitempty"`
	ToolMeta      *ToolMeta      `json:"toolMeta,omitempty"`
	CardType      string         `json:"cardType,omitempty"`
	CardMode      string         `json:"cardMode,omitempty"`
	TargetCardID  string         `json:"targetCardId,omitempty"`
	Operation     *Operation     `json:"operation,omitempty"`
	Settings      *Settings      `json:"settings,omitempty"`
	Steps         []Step         `json:"steps,omitzero"`
	Questions     []Question     `json:"questions,omitzero"`
	EnhanceResult *EnhanceResult `json:"enhanceResult,omitempty"`
	EnhanceHint   *EnhanceHint   `json:"enhanceHint,omitempty"`
	AppProposal   *AppProposal   `json:"appProposal,omitempty"`
	AppsList      []AppSummary   `json:"appsList,omitzero"`
	AppsDeleted   *int           `json:"appsDeleted,omitempty"`
	AppSaved      *AppSaved      `json:"appSaved,omitempty"`
	BuildComplete *BuildComplete `json:"buildComplete,omitempty"`
	Timestamp     int64          `json:"timestamp,omitempty"`
}

// IsNotRunningReply reports whether msg is the synthetic answer to a cancel
// request for an operation that is not running. Such replies carry the
// operation id in RunID because no real run exists.
func (m ServerMessage) IsNotRunningReply() bool {
	return m.State == StateError &&
		m.Operation != nil &&
		m.Operation.Stage == StageError &&
		m.Operation.OperationID != "" &&
		m.RunID == m.Operation.OperationID
}

// DecodeServerMessage parses a server message from its JSON form.
func DecodeServerMessage(raw []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	switch msg.State {
	case "", StateDelta, StateFinal, StateError:
	default:
		return ServerMessage{}, fmt.Errorf("decode server message: unknown state %q", msg.State)
	}
	return msg, nil
}
