package card

import (
	"log/slog"
	"slices"
	"time"

	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/google/uuid"
)

// DefaultEnhanceTimeout bounds how long a card may stay in the loading
// enhance state without a server answer.
const DefaultEnhanceTimeout = 20 * time.Second

// Session is the per-connection context threaded through every Apply call.
// It replaces ambient "active terminal card" and channel-mode globals.
type Session struct {
	Key                  string
	ActiveTerminalCardID string
	ChannelMode          protocol.ChannelMode
}

// NewSession returns a session in app channel mode.
func NewSession(key string) *Session {
	return &Session{Key: key, ChannelMode: protocol.ChannelModeApp}
}

// Store is the normalized card collection.
type Store struct {
	cards    map[string]*Card
	order    []string
	runIndex map[string]string
	// opIndex outlives the operation itself so a late "not running" reply
	// still finds the card it concerns.
	opIndex map[string]string
	apps    []protocol.AppSummary

	resolver       *TypeResolver
	now            func() time.Time
	newID          func() string
	enhanceTimeout time.Duration
	logger         *slog.Logger
	lastUpdate     time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDFunc sets the card id generator.
func WithIDFunc(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithResolver sets the card type resolver.
func WithResolver(r *TypeResolver) Option {
	return func(s *Store) { s.resolver = r }
}

// WithEnhanceTimeout sets the enhance loading window.
func WithEnhanceTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.enhanceTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates an empty card store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		cards:          make(map[string]*Card),
		runIndex:       make(map[string]string),
		opIndex:        make(map[string]string),
		resolver:       DefaultResolver(),
		now:            time.Now,
		newID:          uuid.NewString,
		enhanceTimeout: DefaultEnhanceTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cards returns copies of all cards in creation order.
func (s *Store) Cards() []Card {
	out := make([]Card, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.cards[id].clone())
	}
	return out
}

// Card returns a copy of one card.
func (s *Store) Card(id string) (Card, bool) {
	c, ok := s.cards[id]
	if !ok {
		return Card{}, false
	}
	return c.clone(), true
}

// CardByRun returns a copy of the assistant card of a run.
func (s *Store) CardByRun(runID string) (Card, bool) {
	id, ok := s.runIndex[runID]
	if !ok {
		return Card{}, false
	}
	return s.Card(id)
}

// Len returns the number of cards.
func (s *Store) Len() int {
	return len(s.order)
}

// Apps returns the last app list pushed by the server.
func (s *Store) Apps() []protocol.AppSummary {
	return slices.Clone(s.apps)
}

// SetDisplay toggles the expanded/collapsed presentation of a card.
func (s *Store) SetDisplay(id string, d Display) bool {
	c, ok := s.cards[id]
	if !ok {
		return false
	}
	c.Display = d
	s.touch(c)
	return true
}

// create adds a streaming card. A server-assigned id is adopted unless it is
// already taken.
func (s *Store) create(role Role, runID, id string) *Card {
	if _, taken := s.cards[id]; id == "" || taken {
		id = s.newID()
	}
	now := s.stamp()
	c := &Card{
		ID:        id,
		RunID:     runID,
		Role:      role,
		Status:    StatusStreaming,
		Display:   DisplayExpanded,
		ViewMode:  ViewOriginal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.cards[c.ID] = c
	s.order = append(s.order, c.ID)
	if role == RoleAssistant && runID != "" {
		s.runIndex[runID] = c.ID
	}
	return c
}

// notify adds a settled assistant card outside any run.
func (s *Store) notify(cardType, text string) *Card {
	c := s.create(RoleAssistant, "", "")
	c.Status = StatusComplete
	c.CardType = cardType
	c.Text = text
	return c
}

func (s *Store) touch(c *Card) {
	c.UpdatedAt = s.stamp()
}

// stamp returns a time strictly after every previous stamp so updatedAt is
// monotonic even when the clock is coarse or steps backwards.
func (s *Store) stamp() time.Time {
	t := s.now()
	if !t.After(s.lastUpdate) {
		t = s.lastUpdate.Add(time.Nanosecond)
	}
	s.lastUpdate = t
	return t
}
