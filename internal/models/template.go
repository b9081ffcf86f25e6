package models

import (
	"strings"
	"time"
)

// Template is a rendered email template owned by the template designer
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasRenderableBody reports whether the template carries HTML to send
func (t *Template) HasRenderableBody() bool {
	return t != nil && strings.TrimSpace(t.HTML) != ""
}
