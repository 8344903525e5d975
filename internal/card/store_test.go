package card

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func newTestStore(t *testing.T) (*Store, *fixedClock) {
	t.Helper()
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := 0
	s := NewStore(
		WithClock(clock.now),
		WithIDFunc(func() string { n++; return fmt.Sprintf("card-%d", n) }),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	return s, clock
}

func TestDeltaThenFinalYieldsOneCard(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	first := s.Apply(sess, protocol.ServerMessage{RunID: "run-1", State: protocol.StateDelta, Text: "Hel"})
	require.True(t, first.Created)
	s.Apply(sess, protocol.ServerMessage{RunID: "run-1", State: protocol.StateDelta, Text: "lo"})

	mid, _ := s.Card(first.CardID)
	assert.Equal(t, "Hello", mid.Text)
	assert.Equal(t, StatusStreaming, mid.Status)

	final := s.Apply(sess, protocol.ServerMessage{RunID: "run-1", State: protocol.StateFinal, Text: "Hello, world"})
	assert.False(t, final.Created)
	assert.Equal(t, first.CardID, final.CardID)

	require.Equal(t, 1, s.Len())
	c, _ := s.Card(first.CardID)
	assert.Equal(t, StatusComplete, c.Status)
	assert.Equal(t, "Hello, world", c.Text)
	assert.Equal(t, TypeText, c.CardType)
}

func TestFinalWithoutTextKeepsStreamedText(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	out := s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, Text: "partial"})
	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateFinal})

	c, _ := s.Card(out.CardID)
	assert.Equal(t, "partial", c.Text)
	assert.Equal(t, StatusComplete, c.Status)
}

func TestSettledCardIgnoresLateMessages(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	out := s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateFinal, Text: "done"})
	before, _ := s.Card(out.CardID)

	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, Text: " more"})
	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateError, Text: "boom"})

	after, _ := s.Card(out.CardID)
	if diff := cmp.Diff(before, after, cmpopts.IgnoreUnexported(Card{})); diff != "" {
		t.Fatalf("settled card changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, 1, s.Len())
}

func TestErrorSettlesAndClearsOperation(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	out := s.Apply(sess, protocol.ServerMessage{
		RunID: "r", State: protocol.StateDelta,
		Operation: &protocol.Operation{OperationID: "op-1", Stage: protocol.StageCallingTool, Cancellable: true},
	})
	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateError, Text: "tool failed"})

	c, _ := s.Card(out.CardID)
	assert.Equal(t, StatusError, c.Status)
	assert.Equal(t, "tool failed", c.Error)
	assert.Equal(t, TypeError, c.CardType)
	assert.Nil(t, c.Operation)
}

func TestOperationStageNeverRegresses(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	op := func(stage protocol.Stage, id string) *protocol.Operation {
		return &protocol.Operation{OperationID: id, Stage: stage, Cancellable: stage.DefaultCancellable()}
	}
	out := s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, Operation: op(protocol.StageGeneratingUI, "op-1")})
	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, Operation: op(protocol.StageProcessing, "op-1")})

	c, _ := s.Card(out.CardID)
	require.NotNil(t, c.Operation)
	assert.Equal(t, protocol.StageGeneratingUI, c.Operation.Stage)

	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, Operation: op(protocol.StageStreaming, "op-1")})
	c, _ = s.Card(out.CardID)
	assert.Equal(t, protocol.StageStreaming, c.Operation.Stage)

	// A new operation id starts over.
	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, Operation: op(protocol.StageProcessing, "op-2")})
	c, _ = s.Card(out.CardID)
	assert.Equal(t, "op-2", c.Operation.OperationID)
	assert.Equal(t, protocol.StageProcessing, c.Operation.Stage)

	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateFinal})
	c, _ = s.Card(out.CardID)
	assert.Nil(t, c.Operation)
}

func TestMediaAccumulates(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	out := s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, MediaURLs: []string{"/a.png"}})
	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, MediaURLs: []string{"/a.png", "/b.png"}})
	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateFinal})

	c, _ := s.Card(out.CardID)
	assert.Equal(t, []string{"/a.png", "/b.png"}, c.MediaURLs)
	assert.Equal(t, "media", c.CardType)
}

func TestCardTypeResolutionOrder(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		msg  protocol.ServerMessage
		want string
	}{
		{"explicit wins", protocol.ServerMessage{CardType: "chart", GeneratedUI: "x", Data: 1}, "chart"},
		{"questions before app", protocol.ServerMessage{Questions: []protocol.Question{{ID: "q"}}, GeneratedUI: "x"}, "questions"},
		{"app before media", protocol.ServerMessage{GeneratedUI: "x", MediaURLs: []string{"/m"}}, "app"},
		{"media before data", protocol.ServerMessage{MediaURLs: []string{"/m"}, Data: map[string]any{}}, "media"},
		{"data", protocol.ServerMessage{Data: map[string]any{"a": 1}}, "data"},
		{"fallback", protocol.ServerMessage{Text: "hi"}, TypeText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			msg := tc.msg
			msg.RunID = "r"
			msg.State = protocol.StateFinal
			out := s.Apply(NewSession("s"), msg)
			c, _ := s.Card(out.CardID)
			assert.Equal(t, tc.want, c.CardType)
		})
	}
}

func TestResolverCustomMatcherOrder(t *testing.T) {
	t.Parallel()
	r := NewTypeResolver(
		Matcher{Name: "first", Match: func(*Card, protocol.ServerMessage) (string, bool) { return "one", true }},
		Matcher{Name: "second", Match: func(*Card, protocol.ServerMessage) (string, bool) { return "two", true }},
	)
	assert.Equal(t, []string{"first", "second"}, r.Names())
	assert.Equal(t, "one", r.Resolve(&Card{}, protocol.ServerMessage{}))
	assert.Equal(t, TypeText, NewTypeResolver().Resolve(&Card{}, protocol.ServerMessage{}))
}

func TestTargetedMessages(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	out := s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateFinal, Data: map[string]any{"files": []any{}}})
	_, ok := s.DispatchAction(sess, out.CardID, "list_directory", map[string]any{"path": "Desktop"})
	require.True(t, ok)

	res := s.Apply(sess, protocol.ServerMessage{
		TargetCardID: out.CardID, RunID: "other-run", State: protocol.StateFinal,
		Data: map[string]any{"files": []any{map[string]any{"name": "a"}}},
	})
	assert.Equal(t, RouteTarget, res.Route)
	assert.Equal(t, 1, s.Len(), "targeted message must not create a card")

	c, _ := s.Card(out.CardID)
	assert.Equal(t, StatusComplete, c.Status)
	assert.Empty(t, c.PendingAction)

	miss := s.Apply(sess, protocol.ServerMessage{TargetCardID: "gone", State: protocol.StateFinal, Text: "x"})
	assert.Equal(t, RouteDropped, miss.Route)
	assert.Equal(t, 1, s.Len())
}

func TestMalformedInputBecomesErrorCard(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	out := s.ApplyRaw(NewSession("s1"), []byte(`{"runId": 12`))
	require.True(t, out.Created)
	c, _ := s.Card(out.CardID)
	assert.Equal(t, StatusError, c.Status)
	assert.NotEmpty(t, c.Error)

	out = s.ApplyRaw(NewSession("s1"), []byte(`{"runId":"r","state":"bogus"}`))
	c, _ = s.Card(out.CardID)
	assert.Equal(t, StatusError, c.Status)
	assert.Equal(t, 2, s.Len())
}

func TestErrorWithoutRunCreatesCard(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	out := s.Apply(NewSession("s1"), protocol.ServerMessage{State: protocol.StateError, Text: "agent unavailable"})
	require.True(t, out.Created)
	c, _ := s.Card(out.CardID)
	assert.Equal(t, "agent unavailable", c.Error)

	empty := s.Apply(NewSession("s1"), protocol.ServerMessage{State: protocol.StateDelta})
	assert.Equal(t, RouteDropped, empty.Route)
}

func TestUpdatedAtIsMonotonic(t *testing.T) {
	t.Parallel()
	s, clock := newTestStore(t)
	sess := NewSession("s1")

	out := s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, Text: "a"})
	c1, _ := s.Card(out.CardID)

	// Clock does not move, then steps backwards.
	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, Text: "b"})
	c2, _ := s.Card(out.CardID)
	clock.t = clock.t.Add(-time.Hour)
	s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, Text: "c"})
	c3, _ := s.Card(out.CardID)

	assert.True(t, c2.UpdatedAt.After(c1.UpdatedAt))
	assert.True(t, c3.UpdatedAt.After(c2.UpdatedAt))
	assert.False(t, c3.CreatedAt.After(c3.UpdatedAt))
}

func TestSessionLevelPayloads(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s1")

	out := s.Apply(sess, protocol.ServerMessage{Settings: &protocol.Settings{ChannelMode: protocol.ChannelModeChat}})
	assert.Equal(t, RouteNotice, out.Route)
	assert.Equal(t, protocol.ChannelModeChat, sess.ChannelMode)
	assert.Zero(t, s.Len())

	s.Apply(sess, protocol.ServerMessage{AppsList: []protocol.AppSummary{{ID: "a1", Name: "Files"}}})
	assert.Len(t, s.Apps(), 1)

	s.Apply(sess, protocol.ServerMessage{AppsList: []protocol.AppSummary{}})
	assert.Empty(t, s.Apps())

	n := 3
	del := s.Apply(sess, protocol.ServerMessage{AppsDeleted: &n})
	require.True(t, del.Created)
	c, _ := s.Card(del.CardID)
	assert.Equal(t, TypeNotification, c.CardType)
	assert.Equal(t, "Deleted 3 saved apps", c.Text)

	saved := s.Apply(sess, protocol.ServerMessage{AppSaved: &protocol.AppSaved{ID: "a1", Name: "Files", Path: "apps/files.yaml"}})
	c, _ = s.Card(saved.CardID)
	assert.Equal(t, "Saved Files to apps/files.yaml", c.Text)
}

func TestSetDisplayIsIndependentOfStatus(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	out := s.Apply(NewSession("s"), protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, Text: "x"})

	require.True(t, s.SetDisplay(out.CardID, DisplayCollapsed))
	c, _ := s.Card(out.CardID)
	assert.Equal(t, DisplayCollapsed, c.Display)
	assert.Equal(t, StatusStreaming, c.Status)
	assert.False(t, s.SetDisplay("missing", DisplayExpanded))
}

func TestCardsReturnsCopies(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s")
	out := s.Apply(sess, protocol.ServerMessage{RunID: "r", State: protocol.StateDelta, MediaURLs: []string{"/a"}})

	cards := s.Cards()
	cards[0].MediaURLs[0] = "/changed"
	cards[0].Text = "changed"

	c, _ := s.Card(out.CardID)
	assert.Equal(t, []string{"/a"}, c.MediaURLs)
	assert.Empty(t, c.Text)
}

func TestServerAssignedIDIsAdopted(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	sess := NewSession("s")

	out := s.Apply(sess, protocol.ServerMessage{ID: "srv-1", RunID: "r1", State: protocol.StateDelta, Text: "a"})
	assert.Equal(t, "srv-1", out.CardID)

	// Later messages of the run keep addressing the same card.
	again := s.Apply(sess, protocol.ServerMessage{ID: "srv-1", RunID: "r1", State: protocol.StateFinal})
	assert.Equal(t, "srv-1", again.CardID)

	// A colliding id on a new run falls back to a generated one.
	other := s.Apply(sess, protocol.ServerMessage{ID: "srv-1", RunID: "r2", State: protocol.StateDelta, Text: "b"})
	assert.True(t, other.Created)
	assert.NotEqual(t, "srv-1", other.CardID)
	assert.Equal(t, 2, s.Len())
}
