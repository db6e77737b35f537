// Package persona models the character card that seeds a session's system
// prompt. Cards arrive as JSON and are validated against an embedded JSON
// schema before anything downstream touches them.
package persona

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

var cardSchema = jsonschema.MustCompileString("schema.json", schemaJSON)

// DialogueTurn is one example exchange line on a character card.
type DialogueTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Card is a validated character card.
type Card struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Personality     string         `json:"personality,omitempty"`
	Scenario        string         `json:"scenario,omitempty"`
	Greeting        string         `json:"greeting,omitempty"`
	ExampleDialogue []DialogueTurn `json:"exampleDialogue,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
}

// ParseCard validates raw JSON against the card schema and decodes it.
func ParseCard(raw []byte) (*Card, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("persona: decode card: %w", err)
	}
	if err := cardSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("persona: invalid card: %w", err)
	}

	var card Card
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, fmt.Errorf("persona: decode card: %w", err)
	}
	return &card, nil
}

// Text renders the card as the persona text stored with the session and
// placed at the head of every assembled payload.
func (c *Card) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n\n%s", c.Name, strings.TrimSpace(c.Description))

	if c.Personality != "" {
		fmt.Fprintf(&b, "\n\nPersonality: %s", strings.TrimSpace(c.Personality))
	}
	if c.Scenario != "" {
		fmt.Fprintf(&b, "\n\nScenario: %s", strings.TrimSpace(c.Scenario))
	}
	if len(c.ExampleDialogue) > 0 {
		b.WriteString("\n\nExample dialogue:")
		for _, turn := range c.ExampleDialogue {
			fmt.Fprintf(&b, "\n%s: %s", strings.ToUpper(turn.Role), turn.Content)
		}
	}
	return b.String()
}
