// Package generation drafts advice answers from retrieved documents.
package generation

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/capitalize-ai/caddy-supervisor/internal/retrieval"
)

// DefaultTemplate is the drafting prompt used when the workspace sets none.
const DefaultTemplate = `You are an assistant helping advisers at a UK advice charity answer questions from the people they support.
You support the adviser's judgement and never replace it. Be truthful: if the information does not answer the question, say so.

Area coverage: {{.Regions}}
Current day of the week, date and time is: {{.DayDateTime}}

Here are a few documents in <documents> tags:
<documents>
{{.Documents}}
</documents>
Using the documents above, answer the adviser's question in detail but concisely.
Mention any locations named in the question and keep the answer relevant to the law that applies there.
Refer to "your client" when the question is about "my client". Call the documents "information" and do not cite their URLs.

If more detail is needed, number the questions the adviser should ask the client. Under each question list the possible answers and what the adviser should do for each.

Follow the advice area guidance in the <ADVICE_AREA_SPECIFIC> tags:
<ADVICE_AREA_SPECIFIC>
{{.Augmentation}}
</ADVICE_AREA_SPECIFIC>

Answer the question first, as well as you can, before suggesting questions for the client.
Use <b>bold</b> and HTML formatting to highlight the parts most relevant to the question.

Adviser: {{.Question}}
Assistant:`

// Prompt carries everything the drafting prompt needs except the documents.
type Prompt struct {
	Question     string
	Regions      []string
	Augmentation string
	Now          time.Time
}

type promptData struct {
	Question     string
	Regions      string
	DayDateTime  string
	Documents    string
	Augmentation string
}

// PromptBuilder renders the drafting prompt.
type PromptBuilder struct {
	tmpl     *template.Template
	location *time.Location
}

// NewPromptBuilder parses text as a text/template. An empty text uses
// DefaultTemplate; a nil location uses Europe/London.
func NewPromptBuilder(text string, loc *time.Location) (*PromptBuilder, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	if loc == nil {
		loc, err = time.LoadLocation("Europe/London")
		if err != nil {
			return nil, fmt.Errorf("failed to load Europe/London: %w", err)
		}
	}
	return &PromptBuilder{tmpl: tmpl, location: loc}, nil
}

// Build renders p with docs.
func (b *PromptBuilder) Build(p Prompt, docs []retrieval.Document) (string, error) {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	regions := "Not specified"
	if len(p.Regions) > 0 {
		regions = strings.Join(p.Regions, ", ")
	}

	var buf bytes.Buffer
	err := b.tmpl.Execute(&buf, promptData{
		Question:     p.Question,
		Regions:      regions,
		DayDateTime:  now.In(b.location).Format("Monday, 02 January 2006 15:04"),
		Documents:    FormatDocuments(docs),
		Augmentation: p.Augmentation,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

// FormatDocuments renders documents as Content/SOURCE_URL blocks.
func FormatDocuments(docs []retrieval.Document) string {
	blocks := make([]string, 0, len(docs))
	for _, d := range docs {
		blocks = append(blocks, fmt.Sprintf("Content:%s\nSOURCE_URL:%s", d.Content, d.Source()))
	}
	return strings.Join(blocks, "\n\n")
}
