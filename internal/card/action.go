package card

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/ashureev/cardwire/internal/protocol"
)

var sessionStartRe = regexp.MustCompile(`^/([A-Za-z][A-Za-z0-9_-]*)$`)

// SessionStartTool returns the tool named by a bare session-start command
// such as "/shell". "/exit" is not a session start.
func SessionStartTool(text string) (string, bool) {
	m := sessionStartRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil || strings.EqualFold(m[1], "exit") {
		return "", false
	}
	return m[1], true
}

// AddUserMessage records a user chat turn. Every turn is its own card,
// except a bare session start, which creates the placeholder session card
// right away and makes it the active session card. A non-empty id that is
// not taken becomes the card id, so client and server stores agree on it.
func (s *Store) AddUserMessage(sess *Session, text, id string) Card {
	if tool, ok := SessionStartTool(text); ok {
		c := s.create(RoleAssistant, "", id)
		c.Session = true
		c.CardType = TypeTerminal
		c.ToolMeta = &protocol.ToolMeta{ToolID: tool}
		sess.ActiveTerminalCardID = c.ID
		return c.clone()
	}

	c := s.create(RoleUser, "", id)
	c.Text = text
	c.Status = StatusComplete
	c.CardType = TypeText
	return c.clone()
}

// DispatchAction turns a renderer interaction into a card.action message.
// It returns false, leaving the card untouched, when the card is missing or
// already streaming. Accepted actions flip the card to streaming and, in chat
// channel mode, add an acknowledgment card.
func (s *Store) DispatchAction(sess *Session, cardID, action string, payload any) (protocol.CardAction, bool) {
	c, ok := s.cards[cardID]
	if !ok || c.Status == StatusStreaming || action == "" {
		return protocol.CardAction{}, false
	}

	c.Status = StatusStreaming
	c.PendingAction = action
	c.Error = ""
	if c.CardType == TypeError {
		c.CardType = ""
	}
	s.touch(c)

	if sess.ChannelMode == protocol.ChannelModeChat {
		ack := s.create(RoleUser, "", "")
		ack.Status = StatusComplete
		ack.CardType = TypeAction
		ack.Text = ActionLabel(action, payload)
	}

	return protocol.CardAction{
		CardID:   c.ID,
		Action:   action,
		Payload:  payload,
		ToolName: c.ToolName(),
		CardMode: c.CardMode,
	}, true
}

// RequestCancel records that cancellation of the card's operation was
// requested and returns the wire message. The outcome arrives later as a
// server message.
func (s *Store) RequestCancel(cardID string) (protocol.OperationCancel, bool) {
	c, ok := s.cards[cardID]
	if !ok || c.Operation == nil || !c.Operation.Cancellable || c.CancelRequested {
		return protocol.OperationCancel{}, false
	}
	c.CancelRequested = true
	s.touch(c)
	return protocol.OperationCancel{OperationID: c.Operation.OperationID}, true
}

// descriptorKeys are searched in order for the most descriptive payload value.
var descriptorKeys = []string{
	"toolName", "tool_name", "displayName", "display_name", "name",
	"title",
	"itemId", "item_id", "path",
	"text", "query", "message",
	"id",
}

const maxLabelRunes = 60

// ActionLabel builds the human-readable text of an acknowledgment card:
// the humanized action name followed by the first descriptive payload value.
func ActionLabel(action string, payload any) string {
	label := humanize(action)
	obj, ok := payload.(map[string]any)
	if !ok {
		return label
	}
	for _, k := range descriptorKeys {
		if d := scalarString(obj[k]); d != "" {
			return label + ": " + truncateDescriptor(d)
		}
	}
	return label
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	}
	return ""
}

func truncateDescriptor(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, ". "); i >= 0 {
		s = s[:i+1]
	}
	runes := []rune(s)
	if len(runes) > maxLabelRunes {
		return strings.TrimSpace(string(runes[:maxLabelRunes-1])) + "…"
	}
	return s
}

func humanize(id string) string {
	words := strings.FieldsFunc(id, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || unicode.IsSpace(r)
	})
	if len(words) == 0 {
		return id
	}
	runes := []rune(strings.ToLower(strings.Join(words, " ")))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
