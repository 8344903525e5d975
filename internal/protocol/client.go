package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned when a client message names no known type.
var ErrUnknownType = errors.New("unknown client message type")

// ClientType is the discriminator of a client message.
type ClientType string

const (
	TypeChatSend          ClientType = "chat.send"
	TypeUIAction          ClientType = "ui_action"
	TypeCardAction        ClientType = "card.action"
	TypeCardEnhance       ClientType = "card.enhance"
	TypeCardBuildApp      ClientType = "card.build_app"
	TypeCardProposeApp    ClientType = "card.propose_app"
	TypeCardDeleteAllApps ClientType = "card.delete_all_apps"
	TypeAppsList          ClientType = "apps.list"
	TypeAppsRun           ClientType = "apps.run"
	TypeAppSaveToCodebase ClientType = "app.save_to_codebase"
	TypeServerRestart     ClientType = "server.restart"
	TypeSettingsSetMode   ClientType = "settings.set_mode"
	TypeOperationCancel   ClientType = "operation.cancel"
	TypeToolsListProjects ClientType = "tools.list_projects"
	TypeChatHistory       ClientType = "chat.history"
)

// ClientMessage is the closed set of client-to-server messages. Every
// implementation lives in this package.
type ClientMessage interface {
	Type() ClientType
	isClientMessage()
}

// ChatSend carries a user chat turn. CardID is the id the client gave the
// card it created for the turn: the user card, or the session card of a bare
// session start.
type ChatSend struct {
	Text   string `json:"text"`
	CardID string `json:"cardId,omitempty"`
}

// UIAction is a raw renderer interaction not yet bound to card state.
type UIAction struct {
	CardID  string `json:"cardId"`
	Action  string `json:"action"`
	Payload any    `json:"payload,omitempty"`
}

// CardAction asks the server to perform an action on behalf of a card.
type CardAction struct {
	CardID   string `json:"cardId"`
	Action   string `json:"action"`
	Payload  any    `json:"payload,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	CardMode string `json:"cardMode,omitempty"`
}

// CardEnhance requests an enhanced (app) representation of a card.
type CardEnhance struct {
	CardID   string `json:"cardId"`
	ToolName string `json:"toolName,omitempty"`
	CardMode string `json:"cardMode,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// CardBuildApp starts the heavy build flow for a card.
type CardBuildApp struct {
	CardID      string   `json:"cardId"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	ToolName    string   `json:"toolName,omitempty"`
	ToolFamily  string   `json:"toolFamily,omitempty"`
	SignatureID string   `json:"signatureId,omitempty"`
	Actions     []string `json:"actions,omitempty"`
}

// CardProposeApp asks the server to pre-fill a build definition.
type CardProposeApp struct {
	CardID string `json:"cardId"`
}

// CardDeleteAllApps removes every saved app.
type CardDeleteAllApps struct{}

// AppsList requests the saved app list.
type AppsList struct{}

// AppsRun runs a saved app.
type AppsRun struct {
	AppID  string         `json:"appId"`
	Params map[string]any `json:"params,omitempty"`
}

// AppSaveToCodebase exports a saved app definition.
type AppSaveToCodebase struct {
	AppID string `json:"appId"`
}

// ServerRestart requests a server restart.
type ServerRestart struct{}

// SettingsSetMode changes the channel mode.
type SettingsSetMode struct {
	Mode ChannelMode `json:"mode"`
}

// OperationCancel requests cooperative cancellation of an operation.
type OperationCancel struct {
	OperationID string `json:"operationId"`
}

// ToolsListProjects lists the plugins known to the tool catalog.
type ToolsListProjects struct{}

// ChatHistory requests persisted chat turns for the session.
type ChatHistory struct {
	Limit int `json:"limit,omitempty"`
}

func (ChatSend) Type() ClientType          { return TypeChatSend }
func (UIAction) Type() ClientType          { return TypeUIAction }
func (CardAction) Type() ClientType        { return TypeCardAction }
func (CardEnhance) Type() ClientType       { return TypeCardEnhance }
func (CardBuildApp) Type() ClientType      { return TypeCardBuildApp }
func (CardProposeApp) Type() ClientType    { return TypeCardProposeApp }
func (CardDeleteAllApps) Type() ClientType { return TypeCardDeleteAllApps }
func (AppsList) Type() ClientType          { return TypeAppsList }
func (AppsRun) Type() ClientType           { return TypeAppsRun }
func (AppSaveToCodebase) Type() ClientType { return TypeAppSaveToCodebase }
func (ServerRestart) Type() ClientType     { return TypeServerRestart }
func (SettingsSetMode) Type() ClientType   { return TypeSettingsSetMode }
func (OperationCancel) Type() ClientType   { return TypeOperationCancel }
func (ToolsListProjects) Type() ClientType { return TypeToolsListProjects }
func (ChatHistory) Type() ClientType       { return TypeChatHistory }

func (ChatSend) isClientMessage()          {}
func (UIAction) isClientMessage()          {}
func (CardAction) isClientMessage()        {}
func (CardEnhance) isClientMessage()       {}
func (CardBuildApp) isClientMessage()      {}
func (CardProposeApp) isClientMessage()    {}
func (CardDeleteAllApps) isClientMessage() {}
func (AppsList) isClientMessage()          {}
func (AppsRun) isClientMessage()           {}
func (AppSaveToCodebase) isClientMessage() {}
func (ServerRestart) isClientMessage()     {}
func (SettingsSetMode) isClientMessage()   {}
func (OperationCancel) isClientMessage()   {}
func (ToolsListProjects) isClientMessage() {}
func (ChatHistory) isClientMessage()       {}

func decodeInto[T ClientMessage](raw []byte) (ClientMessage, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

var clientDecoders = map[ClientType]func([]byte) (ClientMessage, error){
	TypeChatSend:          decodeInto[ChatSend],
	TypeUIAction:          decodeInto[UIAction],
	TypeCardAction:        decodeInto[CardAction],
	TypeCardEnhance:       decodeInto[CardEnhance],
	TypeCardBuildApp:      decodeInto[CardBuildApp],
	TypeCardProposeApp:    decodeInto[CardProposeApp],
	TypeCardDeleteAllApps: decodeInto[CardDeleteAllApps],
	TypeAppsList:          decodeInto[AppsList],
	TypeAppsRun:           decodeInto[AppsRun],
	TypeAppSaveToCodebase: decodeInto[AppSaveToCodebase],
	TypeServerRestart:     decodeInto[ServerRestart],
	TypeSettingsSetMode:   decodeInto[SettingsSetMode],
	TypeOperationCancel:   decodeInto[OperationCancel],
	TypeToolsListProjects: decodeInto[ToolsListProjects],
	TypeChatHistory:       decodeInto[ChatHistory],
}

// ClientTypes returns every known client message type.
func ClientTypes() []ClientType {
	return []ClientType{
		TypeChatSend, TypeUIAction, TypeCardAction, TypeCardEnhance,
		TypeCardBuildApp, TypeCardProposeApp, TypeCardDeleteAllApps,
		TypeAppsList, TypeAppsRun, TypeAppSaveToCodebase, TypeServerRestart,
		TypeSettingsSetMode, TypeOperationCancel, TypeToolsListProjects,
		TypeChatHistory,
	}
}

// DecodeClientMessage parses the tagged JSON form of a client message.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var envelope struct {
		Type ClientType `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode client envelope: %w", err)
	}
	decode, ok := clientDecoders[envelope.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
	msg, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
	}
	return msg, nil
}

// EncodeClientMessage renders msg with its type discriminator.
func EncodeClientMessage(msg ClientMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	typ, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	fields["type"] = typ
	return json.Marshal(fields)
}
