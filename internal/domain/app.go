// Package domain contains the persisted entities of the card gateway.
package domain

import "time"

// App is a saved mini-app built from a card.
type App struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	ToolName     string    `json:"tool_name,omitempty"`
	ToolFamily   string    `json:"tool_family"`
	SignatureID  string    `json:"signature_id"`
	TemplateID   string    `json:"template_id"`
	TemplateCode string    `json:"template_code"`
	Actions      []string  `json:"actions,omitempty"`
	SourceCardID string    `json:"source_card_id,omitempty"`
	SessionKey   string    `json:"session_key,omitempty"`
	ExportedPath string    `json:"exported_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Exported reports whether the app has been written to the export directory.
func (a *App) Exported() bool {
	return a.ExportedPath != ""
}
