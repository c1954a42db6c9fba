// Package card describes chat cards independently of any chat platform.
// Cards are built from named sections so that a later stage can replace one
// slot (the status line, the answer) without rebuilding the whole card.
package card

// Well-known section slots.
const (
	SlotQuery   = "query"
	SlotStatus  = "status"
	SlotAnswer  = "answer"
	SlotSources = "sources"
	SlotNotes   = "notes"
	SlotActions = "actions"
	SlotSurvey  = "survey"
	SlotWarning = "warning"
)

// Button triggers an action with string parameters, or opens a URL.
type Button struct {
	Text   string            `json:"text"`
	Action string            `json:"action,omitempty"`
	Params map[string]string `json:"params,omitempty"`
	URL    string            `json:"url,omitempty"`
}

// Input is a free-text field whose value is returned with the next action.
type Input struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Value     string `json:"value,omitempty"`
	Multiline bool   `json:"multiline,omitempty"`
}

// Widget is one row of a section. Exactly one field is set.
type Widget struct {
	Text    string   `json:"text,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
	Input   *Input   `json:"input,omitempty"`
}

// Section is a named group of widgets.
type Section struct {
	Slot        string   `json:"slot"`
	Header      string   `json:"header,omitempty"`
	Widgets     []Widget `json:"widgets"`
	Collapsible bool     `json:"collapsible,omitempty"`
}

// Card is an ordered list of sections under a header.
type Card struct {
	ID       string    `json:"id"`
	Title    string    `json:"title,omitempty"`
	Subtitle string    `json:"subtitle,omitempty"`
	Sections []Section `json:"sections"`
}

// Dialog is a modal form. Submit carries the action that receives the inputs.
type Dialog struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
	Submit   Button    `json:"submit"`
}

// New creates an empty card.
func New(id, title string) *Card {
	return &Card{ID: id, Title: title}
}

// Text is a text widget.
func Text(s string) Widget { return Widget{Text: s} }

// Buttons is a button row.
func Buttons(b ...Button) Widget { return Widget{Buttons: b} }

// TextInput is an input widget.
func TextInput(in Input) Widget { return Widget{Input: &in} }

// Append adds s after the last section.
func (c *Card) Append(s Section) *Card {
	c.Sections = append(c.Sections, s)
	return c
}

// Replace swaps the section in s.Slot for s, or appends it when the slot is absent.
func (c *Card) Replace(s Section) *Card {
	for i := range c.Sections {
		if c.Sections[i].Slot == s.Slot {
			c.Sections[i] = s
			return c
		}
	}
	return c.Append(s)
}

// Remove drops every section in slot.
func (c *Card) Remove(slot string) *Card {
	kept := c.Sections[:0]
	for _, s := range c.Sections {
		if s.Slot != slot {
			kept = append(kept, s)
		}
	}
	c.Sections = kept
	return c
}

// Section returns the section in slot.
func (c *Card) Section(slot string) (Section, bool) {
	for _, s := range c.Sections {
		if s.Slot == slot {
			return s, true
		}
	}
	return Section{}, false
}

// Clone returns a deep copy of c.
func (c *Card) Clone() *Card {
	out := &Card{ID: c.ID, Title: c.Title, Subtitle: c.Subtitle, Sections: make([]Section, len(c.Sections))}
	for i, s := range c.Sections {
		s.Widgets = append([]Widget(nil), s.Widgets...)
		out.Sections[i] = s
	}
	return out
}
