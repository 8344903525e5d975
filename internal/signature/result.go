package signature

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/cardwire/internal/catalog"
)

// ErrorPrefix marks a failed tool execution in the returned text.
const ErrorPrefix = "[ERROR]"

// Execution is the classified outcome of a direct tool call.
type Execution struct {
	OK   bool
	Text string
	// Data holds the decoded JSON of the text content, when it parses.
	Data  any
	Error string
}

// ClassifyExecution reads a tool result. Tools have no structured error
// channel: a text block starting with "[ERROR]" signals failure.
func ClassifyExecution(res catalog.Result) Execution {
	var texts []string
	for _, c := range res.Content {
		if c.Type != "" && c.Type != "text" {
			continue
		}
		trimmed := strings.TrimSpace(c.Text)
		if strings.HasPrefix(trimmed, ErrorPrefix) {
			msg := strings.TrimSpace(strings.TrimPrefix(trimmed, ErrorPrefix))
			if msg == "" {
				msg = "tool reported an error"
			}
			return Execution{OK: false, Text: c.Text, Error: msg}
		}
		texts = append(texts, c.Text)
	}

	text := strings.Join(texts, "\n")
	out := Execution{OK: true, Text: text}
	var decoded any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &decoded); err == nil {
		out.Data = decoded
	}
	return out
}
