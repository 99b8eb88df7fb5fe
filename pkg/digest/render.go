package digest

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const defaultSubject = `[{{.app_name}}] {{.digest.Total}} unread {{plural .digest.Total "notification" "notifications"}}`

const defaultBody = `# Your {{.app_name}} digest

You have **{{.digest.Total}}** unread {{plural .digest.Total "notification" "notifications"}}{{with .digest.Since}} since {{stamp .}}{{end}}.

{{range .digest.Counts}}- {{title .Type}}: {{.Count}}
{{end}}
{{- range .digest.Tenants}}
## {{.TenantID}}
{{range .Types}}
### {{title .Type}} ({{add (len .Items) .Overflow}})

{{range .Items}}- **{{.Title}}**{{with .Message}}: {{.}}{{end}} _({{stamp .CreatedAt}})_
{{end}}{{if .Overflow}}- +{{.Overflow}} more
{{end}}{{end}}{{end}}`

type mailTemplate struct {
	subject *template.Template
	body    *template.Template
}

// TemplateRenderer renders markdown templates with text/template, converts
// the result to HTML with goldmark and sanitises it with bluemonday. The
// markdown source doubles as the plain-text part.
type TemplateRenderer struct {
	appName string
	md      goldmark.Markdown
	policy  *bluemonday.Policy

	mu        sync.RWMutex
	templates map[string]mailTemplate
}

var _ Renderer = (*TemplateRenderer)(nil)

// NewTemplateRenderer creates a renderer with the built-in digest template
func NewTemplateRenderer(appName string) *TemplateRenderer {
	if appName == "" {
		appName = "billingsync"
	}
	r := &TemplateRenderer{
		appName: appName,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
		),
		policy:    bluemonday.UGCPolicy(),
		templates: make(map[string]mailTemplate),
	}
	if err := r.Register(TemplateDigest, defaultSubject, defaultBody); err != nil {
		panic(err)
	}
	return r
}

// Register adds or replaces a template. body is markdown.
func (r *TemplateRenderer) Register(id, subject, body string) error {
	st, err := template.New(id + ".subject").Funcs(funcs).Parse(subject)
	if err != nil {
		return fmt.Errorf("failed to parse subject template %s: %w", id, err)
	}
	bt, err := template.New(id + ".body").Funcs(funcs).Parse(body)
	if err != nil {
		return fmt.Errorf("failed to parse body template %s: %w", id, err)
	}

	r.mu.Lock()
	r.templates[id] = mailTemplate{subject: st, body: bt}
	r.mu.Unlock()
	return nil
}

// Render implements Renderer. vars["app_name"] defaults to the renderer's name.
func (r *TemplateRenderer) Render(templateID string, vars map[string]interface{}) (Rendered, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[templateID]
	r.mu.RUnlock()
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}

	data := make(map[string]interface{}, len(vars)+1)
	data["app_name"] = r.appName
	for k, v := range vars {
		data[k] = v
	}

	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return Rendered{}, fmt.Errorf("failed to render subject: %w", err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return Rendered{}, fmt.Errorf("failed to render body: %w", err)
	}

	var htmlBuf bytes.Buffer
	if err := r.md.Convert(body.Bytes(), &htmlBuf); err != nil {
		return Rendered{}, fmt.Errorf("failed to convert markdown to HTML: %w", err)
	}

	return Rendered{
		Subject: strings.TrimSpace(strings.ReplaceAll(subject.String(), "\n", " ")),
		HTML:    r.policy.Sanitize(htmlBuf.String()),
		Text:    body.String(),
	}, nil
}

var funcs = template.FuncMap{
	"plural": func(n int, one, many string) string {
		if n == 1 {
			return one
		}
		return many
	},
	"add": func(a, b int) int { return a + b },
	"title": func(v interface{}) string {
		s := fmt.Sprint(v)
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
	"stamp": func(v interface{}) string {
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format("2006-01-02 15:04 UTC")
		case *time.Time:
			if t == nil {
				return ""
			}
			return t.UTC().Format("2006-01-02 15:04 UTC")
		default:
			return fmt.Sprint(v)
		}
	},
}
