package persona

import (
	"strings"
	"testing"
)

func TestParseCardValid(t *testing.T) {
	raw := []byte(`{
		"name": "Motoko",
		"description": "A pragmatic security consultant.",
		"personality": "Direct, dry humour.",
		"exampleDialogue": [
			{"role": "user", "content": "Status?"},
			{"role": "assistant", "content": "All quiet."}
		],
		"tags": ["security"]
	}`)

	card, err := ParseCard(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if card.Name != "Motoko" {
		t.Errorf("name = %q", card.Name)
	}
	if len(card.ExampleDialogue) != 2 {
		t.Errorf("dialogue turns = %d", len(card.ExampleDialogue))
	}
}

func TestParseCardRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing name":        `{"description": "x"}`,
		"empty description":   `{"name": "a", "description": ""}`,
		"unknown field":       `{"name": "a", "description": "x", "voice": "alto"}`,
		"bad dialogue role":   `{"name": "a", "description": "x", "exampleDialogue": [{"role": "narrator", "content": "y"}]}`,
		"not json":            `{`,
		"wrong type for tags": `{"name": "a", "description": "x", "tags": "security"}`,
	}
	for name, raw := range cases {
		if _, err := ParseCard([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestCardText(t *testing.T) {
	card := &Card{
		Name:        "Motoko",
		Description: "A pragmatic security consultant.",
		Scenario:    "On-site audit.",
		ExampleDialogue: []DialogueTurn{
			{Role: "user", Content: "Status?"},
			{Role: "assistant", Content: "All quiet."},
		},
	}

	text := card.Text()
	if !strings.HasPrefix(text, "You are Motoko.") {
		t.Errorf("unexpected prefix: %q", text)
	}
	for _, want := range []string{"Scenario: On-site audit.", "USER: Status?", "ASSISTANT: All quiet."} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}
}
