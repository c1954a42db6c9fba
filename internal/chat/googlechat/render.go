package googlechat

import (
	"sort"

	gchat "google.golang.org/api/chat/v1"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
)

// Render converts a card to cardsV2 form.
func Render(c *card.Card) *gchat.CardWithId {
	body := RenderSections(c.Sections)
	if c.Title != "" || c.Subtitle != "" {
		body.Header = &gchat.GoogleAppsCardV1CardHeader{Title: c.Title, Subtitle: c.Subtitle}
	}
	return &gchat.CardWithId{CardId: c.ID, Card: body}
}

// RenderSections converts sections to a card body without a header.
func RenderSections(sections []card.Section) *gchat.GoogleAppsCardV1Card {
	body := &gchat.GoogleAppsCardV1Card{}
	for _, s := range sections {
		sec := &gchat.GoogleAppsCardV1Section{Header: s.Header, Collapsible: s.Collapsible}
		for _, w := range s.Widgets {
			sec.Widgets = append(sec.Widgets, renderWidget(w))
		}
		body.Sections = append(body.Sections, sec)
	}
	return body
}

func renderWidget(w card.Widget) *gchat.GoogleAppsCardV1Widget {
	switch {
	case w.Input != nil:
		kind := "SINGLE_LINE"
		if w.Input.Multiline {
			kind = "MULTIPLE_LINE"
		}
		return &gchat.GoogleAppsCardV1Widget{TextInput: &gchat.GoogleAppsCardV1TextInput{
			Name: w.Input.Name, Label: w.Input.Label, Value: w.Input.Value, Type: kind,
		}}
	case len(w.Buttons) > 0:
		list := &gchat.GoogleAppsCardV1ButtonList{}
		for _, b := range w.Buttons {
			list.Buttons = append(list.Buttons, renderButton(b))
		}
		return &gchat.GoogleAppsCardV1Widget{ButtonList: list}
	default:
		return &gchat.GoogleAppsCardV1Widget{TextParagraph: &gchat.GoogleAppsCardV1TextParagraph{Text: w.Text}}
	}
}

func renderButton(b card.Button) *gchat.GoogleAppsCardV1Button {
	if b.URL != "" {
		return &gchat.GoogleAppsCardV1Button{Text: b.Text, OnClick: &gchat.GoogleAppsCardV1OnClick{
			OpenLink: &gchat.GoogleAppsCardV1OpenLink{Url: b.URL},
		}}
	}
	keys := make([]string, 0, len(b.Params))
	for k := range b.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]*gchat.GoogleAppsCardV1ActionParameter, 0, len(keys))
	for _, k := range keys {
		params = append(params, &gchat.GoogleAppsCardV1ActionParameter{Key: k, Value: b.Params[k]})
	}
	return &gchat.GoogleAppsCardV1Button{Text: b.Text, OnClick: &gchat.GoogleAppsCardV1OnClick{
		Action: &gchat.GoogleAppsCardV1Action{Function: b.Action, Parameters: params},
	}}
}
