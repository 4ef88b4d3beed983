// Package dialogue provides the language models that answer device utterances.
package dialogue

import (
	"strings"

	"github.com/vango-go/vai-voicebox/pkg/core/memory"
)

// DefaultSystemPrompt keeps replies short enough to be spoken naturally.
const DefaultSystemPrompt = `You are a friendly voice assistant running on a small speaker.
Answer in one to three short sentences of plain spoken language.
Do not use markdown, lists, emoji or code. Reply in the language the user speaks.`

// Template placeholders. A template renders the whole conversation into one
// user message, with history formatted as "Human:/AI:" transcript lines.
const (
	HistoryPlaceholder  = "{chat_history}"
	QuestionPlaceholder = "{question}"
)

// Role is a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role    Role
	Content string
}

// Prompt decides how history and input are presented to a model.
type Prompt struct {
	System string
	// Template, when set, replaces structured history with a single rendered
	// user message.
	Template string
}

// Messages builds the request conversation. The system message, if any, is first.
func (p Prompt) Messages(history memory.History, input string) []Message {
	out := make([]Message, 0, len(history)+2)
	if p.System != "" {
		out = append(out, Message{Role: RoleSystem, Content: p.System})
	}
	if p.Template != "" {
		return append(out, Message{Role: RoleUser, Content: p.Render(history, input)})
	}
	for _, t := range history {
		role := RoleUser
		if t.Speaker == memory.SpeakerAssistant {
			role = RoleAssistant
		}
		out = append(out, Message{Role: role, Content: t.Text})
	}
	return append(out, Message{Role: RoleUser, Content: input})
}

// Render fills the template placeholders.
func (p Prompt) Render(history memory.History, input string) string {
	r := strings.NewReplacer(HistoryPlaceholder, history.Format(), QuestionPlaceholder, input)
	return r.Replace(p.Template)
}
