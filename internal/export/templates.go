package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var sopTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/sop.html")
	if err != nil {
		// Fallback to built-in template if file not found
		sopTemplate = template.Must(template.New("sop").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	sopTemplate = template.Must(template.New("sop").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for procedure template rendering
type TemplateData struct {
	Title       string
	Description string
	Category    string
	Status      string
	Version     int
	Author      string
	UpdatedAt   time.Time
	Steps       []TemplateStep
}

// TemplateStep holds step data for template
type TemplateStep struct {
	Number       int
	Title        string
	Instructions template.HTML
	Role         string
	SafetyNotes  string
	Verification string
	Media        []TemplateMedia
}

// TemplateMedia holds attachment data for template
type TemplateMedia struct {
	Type    string
	Caption string
	URL     string
}

// RenderSOPHTML renders the procedure template with provided data
func RenderSOPHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := sopTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// TextToHTML escapes plain text and converts blank-line-separated
// blocks to paragraphs, preserving single line breaks.
func TextToHTML(text string) template.HTML {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	blocks := strings.Split(strings.TrimSpace(text), "\n\n")
	var b strings.Builder
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		escaped := template.HTMLEscapeString(block)
		escaped = strings.ReplaceAll(escaped, "\n", "<br>")
		b.WriteString("<p>")
		b.WriteString(escaped)
		b.WriteString("</p>")
	}
	return template.HTML(b.String())
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .step { margin: 1.5rem 0; }
    .safety { background: #fff3cd; padding: 0.75rem; border-left: 3px solid #ad8b00; }
    .verify { background: #f0f7ff; padding: 0.75rem; border-left: 3px solid #1668dc; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="meta">{{if .Category}}{{.Category}} | {{end}}v{{.Version}} | {{.Author}} | {{.UpdatedAt.Format "Jan 2, 2006"}}</div>
  {{range .Steps}}
  <div class="step">
    <h2>Step {{.Number}}: {{.Title}}</h2>
    {{if .Role}}<p><em>Performed by: {{.Role}}</em></p>{{end}}
    <div>{{.Instructions}}</div>
    {{if .SafetyNotes}}<div class="safety"><strong>Safety:</strong> {{.SafetyNotes}}</div>{{end}}
    {{if .Verification}}<div class="verify"><strong>Verify:</strong> {{.Verification}}</div>{{end}}
  </div>
  {{end}}
</body>
</html>`
