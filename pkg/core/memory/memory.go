// Package memory holds per-device conversation history and the stores that persist it.
package memory

import (
	"context"
	"strings"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerHuman     Speaker = "human"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at,omitzero"`
}

// History is the ordered conversation for one session. Order is append order.
type History []Turn

// Store persists conversation history keyed by session id.
//
// Append must apply every turn of a single call atomically: readers observe
// either none or all of them.
type Store interface {
	Load(ctx context.Context, sessionID string) (History, error)
	Append(ctx context.Context, sessionID string, turns ...Turn) error
}

// Pair builds the human+assistant turns recorded after a successful exchange.
func Pair(input, reply string, at time.Time) []Turn {
	return []Turn{
		{Speaker: SpeakerHuman, Text: input, At: at},
		{Speaker: SpeakerAssistant, Text: reply, At: at},
	}
}

// PairCap rounds a positive turn cap down to whole human+assistant pairs,
// keeping at least one pair. n <= 0 means unlimited and is returned as is.
func PairCap(n int) int {
	if n <= 0 {
		return n
	}
	return max(n&^1, 2)
}

// Last returns at most the n most recent turns, trimmed to whole pairs.
// n <= 0 returns h unchanged.
func (h History) Last(n int) History {
	n = PairCap(n)
	if n <= 0 || len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

// Format renders the history as transcript lines, each prefixed with a
// newline: "\nHuman: ...\nAI: ...".
func (h History) Format() string {
	var b strings.Builder
	for _, t := range h {
		b.WriteString("\n")
		b.WriteString(t.Speaker.label())
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

func (s Speaker) label() string {
	switch s {
	case SpeakerHuman:
		return "Human"
	case SpeakerAssistant:
		return "AI"
	default:
		return string(s)
	}
}
