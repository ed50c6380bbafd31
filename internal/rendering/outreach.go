package rendering

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/jonathan/lead-pipeline/internal/types"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

// Template names. Follow-up steps are numbered from 1.
const (
	TemplateInitial = "initial"
)

// FollowUpTemplate returns the template name for a follow-up step.
func FollowUpTemplate(step int) string {
	return fmt.Sprintf("follow_up_%d", step)
}

// MessageData is passed to every outreach template.
type MessageData struct {
	BusinessName    string
	Industry        string
	Location        string
	Website         string
	Score           int
	Tier            string
	Recommendations []string
	SenderName      string
	SenderCompany   string
}

// Sender identifies who outreach comes from.
type Sender struct {
	Name    string `json:"name" yaml:"name"`
	Company string `json:"company" yaml:"company"`
}

// Message is a rendered email.
type Message struct {
	Subject string
	Body    string
}

// Renderer holds the parsed outreach templates.
type Renderer struct {
	templates map[string]*template.Template
	sender    Sender
}

// NewRenderer loads the built-in templates and, when dir is set, overrides
// them with any "<name>.tmpl" files found there.
func NewRenderer(dir string, sender Sender) (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template), sender: sender}

	entries, err := defaultTemplates.ReadDir("templates")
	if err != nil {
		return nil, &TemplateError{Template: "templates/*.tmpl", Op: OpLoad, Cause: err}
	}
	for _, entry := range entries {
		content, err := defaultTemplates.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, &TemplateError{Template: entry.Name(), Op: OpLoad, Cause: err}
		}
		name := strings.TrimSuffix(entry.Name(), ".tmpl")
		tmpl, err := parseTemplate(name, string(content))
		if err != nil {
			return nil, err
		}
		r.templates[name] = tmpl
	}

	if dir == "" {
		return r, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.tmpl"))
	if err != nil {
		return nil, &TemplateError{Template: filepath.Join(dir, "*.tmpl"), Op: OpLoad, Cause: err}
	}
	for _, path := range paths {
		tmpl, err := loadTemplate(path)
		if err != nil {
			return nil, err
		}
		r.templates[tmpl.Name()] = tmpl
	}
	return r, nil
}

// Has reports whether a template with the given name is loaded.
func (r *Renderer) Has(name string) bool {
	_, ok := r.templates[name]
	return ok
}

// Render executes the named template for lead. Templates start with a
// "Subject:" line followed by a blank line and the body.
func (r *Renderer) Render(name string, lead *types.Lead) (*Message, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return nil, &TemplateError{Template: name, Op: OpLookup}
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, r.buildData(lead)); err != nil {
		return nil, &TemplateError{Template: name, Op: OpExecute, Cause: err}
	}

	msg, err := splitSubject(out.String())
	if err != nil {
		return nil, &RenderError{Template: name, Cause: err}
	}
	return msg, nil
}

// loadTemplate reads and parses a "<name>.tmpl" file.
func loadTemplate(path string) (*template.Template, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &TemplateError{Template: path, Op: OpLoad, Cause: err}
	}
	return parseTemplate(strings.TrimSuffix(filepath.Base(path), ".tmpl"), string(content))
}

func parseTemplate(name, content string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"header": SanitizeHeader,
		"lower":  strings.ToLower,
	}).Option("missingkey=error").Parse(content)
	if err != nil {
		return nil, &TemplateError{Template: name, Op: OpParse, Cause: err}
	}
	return tmpl, nil
}

func (r *Renderer) buildData(lead *types.Lead) MessageData {
	data := MessageData{
		BusinessName:  lead.Name,
		Industry:      lead.Industry,
		Location:      lead.Location,
		Website:       lead.Website,
		SenderName:    r.sender.Name,
		SenderCompany: r.sender.Company,
	}
	if lead.Score != nil {
		data.Score = *lead.Score
	}
	if lead.Tier != nil {
		data.Tier = *lead.Tier
	}
	for _, rec := range lead.Recommendations {
		data.Recommendations = append(data.Recommendations, StripPriority(rec))
	}
	return data
}

// StripPriority removes a leading "[Priority] " tag from a recommendation.
func StripPriority(rec string) string {
	if strings.HasPrefix(rec, "[") {
		if end := strings.Index(rec, "] "); end > 0 {
			return rec[end+2:]
		}
	}
	return rec
}

func splitSubject(rendered string) (*Message, error) {
	rendered = strings.TrimLeft(rendered, "\r\n")
	head, body, found := strings.Cut(rendered, "\n")
	if !found || !strings.HasPrefix(head, "Subject:") {
		return nil, fmt.Errorf("missing Subject line")
	}
	subject := SanitizeHeader(strings.TrimPrefix(head, "Subject:"))
	if subject == "" {
		return nil, fmt.Errorf("empty subject")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("empty body")
	}
	return &Message{Subject: subject, Body: body + "\n"}, nil
}
