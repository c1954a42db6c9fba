package card

import (
	"strings"
	"testing"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
)

func TestReplaceKeepsPosition(t *testing.T) {
	c := Status("Can my client appeal?", StatusProcessing)
	c.Append(textSection(SlotNotes, "", "n"))
	c.Replace(StatusSection(StatusGenerating))

	if len(c.Sections) != 3 || c.Sections[1].Slot != SlotStatus {
		t.Fatalf("sections = %+v", c.Sections)
	}
	if !strings.Contains(c.Sections[1].Widgets[0].Text, StatusGenerating) {
		t.Fatalf("status = %q", c.Sections[1].Widgets[0].Text)
	}

	c.Replace(Section{Slot: SlotSurvey})
	if c.Sections[3].Slot != SlotSurvey {
		t.Fatal("missing slot should be appended")
	}
	c.Remove(SlotNotes)
	if _, ok := c.Section(SlotNotes); ok {
		t.Fatal("notes slot not removed")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	c := Status("q", StatusProcessing)
	d := c.Clone()
	d.Replace(StatusSection(StatusCompleted))
	if strings.Contains(c.Sections[1].Widgets[0].Text, StatusCompleted) {
		t.Fatal("clone shares sections")
	}
}

func TestReviewCarriesIDs(t *testing.T) {
	c := Review("r1", "t1", "q", "a", []string{"https://x"})
	s, ok := c.Section(SlotActions)
	if !ok {
		t.Fatal("no actions")
	}
	approve := s.Widgets[0].Buttons[0]
	if approve.Action != model.ActionApprove || approve.Params[ParamResponseID] != "r1" || approve.Params[ParamThreadID] != "t1" {
		t.Fatalf("approve = %+v", approve)
	}
	if _, ok := c.Section(SlotSources); !ok {
		t.Fatal("no sources")
	}
}

func TestRejectedShowsNotesNotDraft(t *testing.T) {
	c := Rejected("q", "sup@office.org", "Refer to the housing team")
	notes, _ := c.Section(SlotNotes)
	if !strings.Contains(notes.Widgets[0].Text, "Refer to the housing team") {
		t.Fatalf("notes = %+v", notes)
	}
	if _, ok := c.Section(SlotAnswer); ok {
		t.Fatal("rejected card must not show the draft")
	}
}

func TestSurveySection(t *testing.T) {
	s := SurveySection("t1", []model.SurveyQuestion{
		{Question: "Was it useful?", Values: []string{"Yes", "No"}},
		{Question: "Did you use it?", Values: []string{"Yes", "Partly", "No"}},
	})
	if len(s.Widgets) != 4 || len(s.Widgets[3].Buttons) != 3 {
		t.Fatalf("widgets = %+v", s.Widgets)
	}
	b := s.Widgets[1].Buttons[1]
	if b.Params[ParamQuestion] != "Was it useful?" || b.Params[ParamAnswer] != "No" {
		t.Fatalf("button = %+v", b)
	}
}
