package signature

import (
	"bytes"
	"strings"
	"text/template"
	"unicode"
)

const genericTemplateID = "generic.table"

var genericTemplate = template.Must(template.New("generic").Parse(
	`// template: {{.TemplateID}} ({{.Key}})
export default function {{.Component}}({ data, onAction }) {
  const rows = data.rows ?? [];
  return (
    <Card title="{{.Title}}" subtitle={` + "`${data.total} rows`" + `}>
      <Table rows={rows} />
      <Actions>
{{- range .SupportedActions}}
        <Button onClick={() => onAction("{{.}}")}>{{.}}</Button>
{{- end}}
      </Actions>
    </Card>
  );
}
`))

type templateView struct {
	Signature
	Key       string
	Component string
	Title     string
}

// TemplateCode returns the presentation source of sig. The same signature
// always yields the same text; nothing is rendered or compiled here.
func (r *Registry) TemplateCode(sig Signature) string {
	r.mu.RLock()
	code, ok := r.templates[sig.TemplateID]
	r.mu.RUnlock()
	if ok {
		return code
	}

	var buf bytes.Buffer
	view := templateView{
		Signature: sig,
		Key:       sig.Key(),
		Component: componentName(sig.SignatureID),
		Title:     Humanize(sig.SignatureID),
	}
	if err := genericTemplate.Execute(&buf, view); err != nil {
		r.logger.Warn("Failed to render generic template", "signature", sig.Key(), "error", err)
		return ""
	}
	return buf.String()
}

// Humanize turns an identifier such as "ranked_predictions_table" into
// "Ranked predictions table".
func Humanize(id string) string {
	words := strings.FieldsFunc(id, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || unicode.IsSpace(r)
	})
	if len(words) == 0 {
		return ""
	}
	s := strings.ToLower(strings.Join(words, " "))
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func componentName(id string) string {
	var b strings.Builder
	for _, w := range strings.FieldsFunc(id, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	if b.Len() == 0 || !unicode.IsLetter([]rune(b.String())[0]) {
		return "Generated" + b.String()
	}
	return b.String()
}
