package card

import "github.com/ashureev/cardwire/internal/protocol"

// Matcher decides a card type for a settling card. It returns false when it
// does not apply.
type Matcher struct {
	Name  string
	Match func(c *Card, msg protocol.ServerMessage) (string, bool)
}

// TypeResolver evaluates matchers in registration order; the first match
// wins and TypeText is the fallback.
type TypeResolver struct {
	matchers []Matcher
}

// NewTypeResolver creates a resolver from an ordered matcher list.
func NewTypeResolver(matchers ...Matcher) *TypeResolver {
	return &TypeResolver{matchers: append([]Matcher(nil), matchers...)}
}

// Register appends a matcher after the existing ones.
func (r *TypeResolver) Register(m Matcher) {
	r.matchers = append(r.matchers, m)
}

// Names returns the matcher names in evaluation order.
func (r *TypeResolver) Names() []string {
	out := make([]string, len(r.matchers))
	for i, m := range r.matchers {
		out[i] = m.Name
	}
	return out
}

// Resolve returns the card type for c settling on msg.
func (r *TypeResolver) Resolve(c *Card, msg protocol.ServerMessage) string {
	for _, m := range r.matchers {
		if t, ok := m.Match(c, msg); ok && t != "" {
			return t
		}
	}
	return TypeText
}

// DefaultResolver returns the standard matcher order: explicit type,
// pending questions, generated UI, media, structured data.
func DefaultResolver() *TypeResolver {
	return NewTypeResolver(
		Matcher{Name: "explicit", Match: func(c *Card, msg protocol.ServerMessage) (string, bool) {
			if msg.CardType != "" {
				return msg.CardType, true
			}
			return c.CardType, c.CardType != ""
		}},
		Matcher{Name: "questions", Match: func(c *Card, _ protocol.ServerMessage) (string, bool) {
			return "questions", len(c.PendingQuestions) > 0
		}},
		Matcher{Name: "app", Match: func(c *Card, _ protocol.ServerMessage) (string, bool) {
			return "app", c.GeneratedUI != nil
		}},
		Matcher{Name: "media", Match: func(c *Card, _ protocol.ServerMessage) (string, bool) {
			return "media", len(c.MediaURLs) > 0
		}},
		Matcher{Name: "data", Match: func(c *Card, _ protocol.ServerMessage) (string, bool) {
			return "data", c.Data != nil
		}},
	)
}
