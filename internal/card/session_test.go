package card

import (
	"testing"

	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBareSessionStartCreatesPlaceholder(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	c := s.AddUserMessage(sess, "/shell", "")
	assert.Equal(t, RoleAssistant, c.Role)
	assert.True(t, c.IsSession())
	assert.Equal(t, StatusStreaming, c.Status)
	require.NotNil(t, c.ToolMeta)
	assert.Equal(t, "shell", c.ToolMeta.ToolID)
	assert.Equal(t, c.ID, sess.ActiveTerminalCardID)

	for _, text := range []string{"/exit", "/shell ls", "hello", "/"} {
		u := s.AddUserMessage(sess, text, "")
		assert.Equal(t, RoleUser, u.Role, text)
	}
	assert.Equal(t, c.ID, sess.ActiveTerminalCardID)
}

func TestUserMessageAdoptsClientID(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	c := s.AddUserMessage(sess, "/shell", "term-1")
	assert.Equal(t, "term-1", c.ID)
	assert.Equal(t, "term-1", sess.ActiveTerminalCardID)

	u := s.AddUserMessage(sess, "ls", "turn-2")
	assert.Equal(t, "turn-2", u.ID)

	// A taken id is not reused.
	dup := s.AddUserMessage(sess, "again", "turn-2")
	assert.NotEqual(t, "turn-2", dup.ID)
	assert.NotEmpty(t, dup.ID)
	assert.Equal(t, 3, s.Len())
}

func TestUserMessagesNeverMerge(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	a := s.AddUserMessage(sess, "same", "")
	b := s.AddUserMessage(sess, "same", "")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, s.Len())
}

func TestSessionCardAccumulatesRuns(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")
	placeholder := s.AddUserMessage(sess, "/shell", "")

	meta := &protocol.ToolMeta{ToolID: "shell", SessionID: "pty-1"}
	out := s.Apply(sess, protocol.ServerMessage{RunID: "r1", State: protocol.StateDelta, Text: "$ ls", ToolMeta: meta})
	assert.Equal(t, RouteSession, out.Route)
	assert.Equal(t, placeholder.ID, out.CardID)
	s.Apply(sess, protocol.ServerMessage{RunID: "r1", State: protocol.StateFinal, Text: "$ ls\nfile.txt", ToolMeta: meta})

	c, _ := s.Card(placeholder.ID)
	assert.Equal(t, StatusComplete, c.Status)
	assert.Equal(t, "pty-1", c.ToolMeta.SessionID)

	// A second exchange reopens the card; its final replaces only its own segment.
	s.Apply(sess, protocol.ServerMessage{RunID: "r2", State: protocol.StateDelta, Text: "$ pw", ToolMeta: meta})
	c, _ = s.Card(placeholder.ID)
	assert.Equal(t, StatusStreaming, c.Status)
	s.Apply(sess, protocol.ServerMessage{RunID: "r2", State: protocol.StateFinal, Text: "$ pwd\n/home", ToolMeta: meta})

	c, _ = s.Card(placeholder.ID)
	assert.Equal(t, "$ ls\nfile.txt\n\n$ pwd\n/home", c.Text)
	assert.Equal(t, TypeTerminal, c.CardType)
	assert.Equal(t, 1, s.Len())

	// Messages of either run without tool metadata still land on the session card.
	late := s.Apply(sess, protocol.ServerMessage{RunID: "r2", State: protocol.StateDelta, Text: "x"})
	assert.Equal(t, placeholder.ID, late.CardID)
	assert.Equal(t, 1, s.Len())
}

func TestSessionRoutingRequiresMatchingMeta(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")
	placeholder := s.AddUserMessage(sess, "/shell", "")
	s.Apply(sess, protocol.ServerMessage{RunID: "r1", State: protocol.StateDelta, ToolMeta: &protocol.ToolMeta{ToolID: "shell", SessionID: "pty-1"}})

	other := s.Apply(sess, protocol.ServerMessage{
		RunID: "r9", State: protocol.StateDelta, Text: "other",
		ToolMeta: &protocol.ToolMeta{ToolID: "shell", SessionID: "pty-2"},
	})
	assert.Equal(t, RouteRun, other.Route)
	assert.NotEqual(t, placeholder.ID, other.CardID)
}

func TestSessionClosedClearsPointer(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")
	placeholder := s.AddUserMessage(sess, "/python", "")

	s.Apply(sess, protocol.ServerMessage{
		RunID: "r1", State: protocol.StateFinal, Text: "bye",
		ToolMeta: &protocol.ToolMeta{ToolID: "python", Closed: true},
	})
	assert.Empty(t, sess.ActiveTerminalCardID)

	next := s.Apply(sess, protocol.ServerMessage{RunID: "r2", State: protocol.StateDelta, ToolMeta: &protocol.ToolMeta{ToolID: "python"}, Text: "x"})
	assert.NotEqual(t, placeholder.ID, next.CardID)
}

func TestTargetBeatsSessionRouting(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")
	placeholder := s.AddUserMessage(sess, "/shell", "")
	target := s.Apply(sess, protocol.ServerMessage{RunID: "r0", State: protocol.StateDelta, Text: "t"})

	out := s.Apply(sess, protocol.ServerMessage{
		TargetCardID: target.CardID, State: protocol.StateDelta, Text: "!",
		ToolMeta: &protocol.ToolMeta{ToolID: "shell"},
	})
	assert.Equal(t, target.CardID, out.CardID)
	p, _ := s.Card(placeholder.ID)
	assert.Empty(t, p.Text)
}
