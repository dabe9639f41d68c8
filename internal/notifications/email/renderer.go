package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"opsdeck/internal/types"
)

//go:embed templates/message.html templates/message.txt
var templateFS embed.FS

// RenderedEmail holds the pre-rendered email content ready for transmission.
type RenderedEmail struct {
	Subject  string
	BodyHTML string
	BodyText string
}

// templateData is passed into both templates.
type templateData struct {
	Title      string
	Body       string
	Paragraphs []string
	HTML       template.HTML
	URL        string
	Tag        string
	FromName   string
}

// Renderer turns a types.Message into subject, HTML and plaintext bodies
// using the embedded layout.
type Renderer struct {
	html     *template.Template
	text     *texttemplate.Template
	fromName string
}

// NewRenderer parses the embedded templates.
func NewRenderer(fromName string) (*Renderer, error) {
	html, err := template.ParseFS(templateFS, "templates/message.html")
	if err != nil {
		return nil, fmt.Errorf("renderer: failed to parse message.html: %w", err)
	}
	text, err := texttemplate.ParseFS(templateFS, "templates/message.txt")
	if err != nil {
		return nil, fmt.Errorf("renderer: failed to parse message.txt: %w", err)
	}
	return &Renderer{html: html, text: text, fromName: fromName}, nil
}

// Render fills the layout. Message.HTML, when set, is trusted workflow output
// and replaces the paragraph rendering of Body.
func (r *Renderer) Render(msg types.Message) (*RenderedEmail, error) {
	subject := strings.TrimSpace(msg.Title)
	if subject == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissing, "email subject is empty", nil)
	}

	data := templateData{
		Title:      subject,
		Body:       strings.TrimSpace(msg.Body),
		Paragraphs: paragraphs(msg.Body),
		HTML:       template.HTML(msg.HTML),
		URL:        msg.URL,
		Tag:        msg.Tag,
		FromName:   r.fromName,
	}

	var htmlBuf, textBuf bytes.Buffer
	if err := r.html.Execute(&htmlBuf, data); err != nil {
		return nil, fmt.Errorf("renderer: html: %w", err)
	}
	if err := r.text.Execute(&textBuf, data); err != nil {
		return nil, fmt.Errorf("renderer: text: %w", err)
	}
	return &RenderedEmail{
		Subject:  subject,
		BodyHTML: htmlBuf.String(),
		BodyText: textBuf.String(),
	}, nil
}

// paragraphs splits body on blank lines.
func paragraphs(body string) []string {
	var out []string
	for p := range strings.SplitSeq(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
