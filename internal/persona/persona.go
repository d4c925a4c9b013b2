// Package persona holds the assistant's system prompt and per-intent
// guidance. The built-in scrum-master persona can be replaced wholesale by
// a YAML file so prompt content ships without a rebuild.
package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Persona struct {
	Name     string            `yaml:"name"`
	Identity string            `yaml:"identity"`
	Intents  map[string]string `yaml:"intents"`
}

const defaultIdentity = `You are an experienced Scrum Master assistant integrated with a team chat workspace. You help agile teams with sprint planning, daily standups, backlog refinement, retrospectives, story estimation, and impediment resolution.

Communication style:
- Be concise and actionable.
- Use chat formatting: *bold* for emphasis, bullet points for lists, numbered lists for action items.
- Ask clarifying questions when requirements are vague.
- You are a facilitator, not a dictator; help the team self-organize.`

var defaultIntents = map[string]string{
	"sprint_planning": "The user is planning a sprint. Help them set a sprint goal, size the commitment against capacity, and flag risks.",
	"estimate":        "The user wants a story point estimate. Suggest a point range, name the complexity drivers, and list questions that would tighten the estimate.",
	"retrospective":   "You are given a team's retrospective input. Summarize the themes, call out the most impactful improvement, and propose concrete follow-ups.",
}

// Default returns the built-in scrum-master persona.
func Default() Persona {
	intents := make(map[string]string, len(defaultIntents))
	for k, v := range defaultIntents {
		intents[k] = v
	}
	return Persona{Name: "scrum-master", Identity: defaultIdentity, Intents: intents}
}

// Load reads a persona file; an empty path returns the default persona.
// File intents merge over the defaults so a file can override selectively.
func Load(path string) (Persona, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona file: %w", err)
	}
	var loaded Persona
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return Persona{}, fmt.Errorf("parse persona file %q: %w", path, err)
	}
	out := Default()
	if strings.TrimSpace(loaded.Name) != "" {
		out.Name = strings.TrimSpace(loaded.Name)
	}
	if strings.TrimSpace(loaded.Identity) != "" {
		out.Identity = strings.TrimSpace(loaded.Identity)
	}
	for intent, text := range loaded.Intents {
		intent = strings.TrimSpace(intent)
		text = strings.TrimSpace(text)
		if intent == "" || text == "" {
			continue
		}
		out.Intents[intent] = text
	}
	return out, nil
}

// SystemPrompt is the fixed system role sent on every assistant call.
func (p Persona) SystemPrompt() string {
	return strings.TrimSpace(p.Identity)
}

// IntentInstruction returns extra guidance for a persona-specific intent;
// empty for freeform conversation.
func (p Persona) IntentInstruction(intent string) string {
	return strings.TrimSpace(p.Intents[strings.TrimSpace(intent)])
}
