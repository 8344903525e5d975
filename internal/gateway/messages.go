package gateway

import (
	"github.com/ashureev/cardwire/internal/card"
	"github.com/ashureev/cardwire/internal/operation"
	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/ashureev/cardwire/internal/signature"
)

// notice is a settled informational card outside any run.
func notice(text string) protocol.ServerMessage {
	return protocol.ServerMessage{State: protocol.StateFinal, Text: text, CardType: card.TypeNotification}
}

// failure is an error card outside any run.
func failure(text string) protocol.ServerMessage {
	return protocol.ServerMessage{State: protocol.StateError, Text: text}
}

func notRunningReply(operationID string) protocol.ServerMessage {
	return operation.NotRunningReply(operationID)
}

func templateRef(sig signature.Signature) protocol.TemplateRef {
	return protocol.TemplateRef{
		TemplateID:  sig.TemplateID,
		ToolFamily:  sig.ToolFamily,
		SignatureID: sig.SignatureID,
	}
}

// address routes messages of one unit of work: either onto an existing card
// or onto a fresh run whose card id the server assigns.
type address struct {
	target string
	runID  string
	cardID string
}

func (a address) apply(msg protocol.ServerMessage) protocol.ServerMessage {
	if a.target != "" {
		msg.TargetCardID = a.target
		return msg
	}
	msg.ID = a.cardID
	msg.RunID = a.runID
	return msg
}

// cardRef is the id of the card the work lands on.
func (a address) cardRef() string {
	if a.target != "" {
		return a.target
	}
	return a.cardID
}

func (g *Gateway) freshRun() address {
	return address{runID: g.newID(), cardID: g.newID()}
}
