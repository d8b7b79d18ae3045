// Package chathistory holds the in-memory, append-only chat transcript
// shared across requests for a single process.
package chathistory

import (
	"sync"

	"gemini-gateway/internal/models"
	"gemini-gateway/internal/utils"
)

// History is an append-only sequence of turns guarded by a single mutex.
// Append and Clear are exclusive with Snapshot.
type History struct {
	mu         sync.Mutex
	turns      []models.Turn
	basePrompt string
}

// New constructs an empty History. basePrompt, if non-empty, is prepended
// as an extra text part the first time a user turn is appended to an empty
// history.
func New(basePrompt string) *History {
	return &History{basePrompt: basePrompt}
}

// AppendUser appends a user turn built from parts. If the history is
// currently empty and a base prompt is configured, the prompt is inserted
// as the first part of this turn.
func (h *History) AppendUser(parts []models.Part) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.turns) == 0 && h.basePrompt != "" {
		parts = append([]models.Part{{Text: h.basePrompt}}, parts...)
	}
	h.turns = append(h.turns, models.Turn{Role: "user", Parts: parts})
}

// AppendModelIfLastIsUser appends a model turn carrying a single text part,
// but only if the most recent turn is a user turn. This guards against
// appending a duplicate model reply when a stream is retried.
func (h *History) AppendModelIfLastIsUser(text string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.turns) == 0 || h.turns[len(h.turns)-1].Role != "user" {
		return false
	}
	h.turns = append(h.turns, models.Turn{Role: "model", Parts: []models.Part{{Text: text}}})
	return true
}

// Snapshot returns a shallow copy of the turns appended so far, safe to
// range over without holding the lock.
func (h *History) Snapshot() []models.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]models.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Clear empties the history.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// LastIsUser reports whether the most recent turn (if any) has role user.
func (h *History) LastIsUser() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns) > 0 && h.turns[len(h.turns)-1].Role == "user"
}

// RenderedTurn is the markdown-friendly view returned by /history.
type RenderedTurn struct {
	Who string `json:"who"`
	MD  string `json:"md"`
}

// imagePlaceholderLen matches the source's 30-character base64 prefix used
// when rendering an inline image as a placeholder data URL.
const imagePlaceholderLen = 30

// Render builds the /history JSON payload: user turns concatenate their
// text parts and render inline images as truncated data-URL placeholders;
// model turns surface their first text part verbatim.
func Render(turns []models.Turn) []RenderedTurn {
	rendered := make([]RenderedTurn, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case "user":
			md := ""
			for _, part := range turn.Parts {
				if part.Text != "" {
					md += part.Text + "\n"
				}
				if part.InlineData != nil {
					data := utils.TruncateString(part.InlineData.Data, imagePlaceholderLen)
					md += "![image](data:" + part.InlineData.MimeType + ";base64," + data + "...)\n"
				}
			}
			rendered = append(rendered, RenderedTurn{Who: "user", MD: md})
		case "model":
			if len(turn.Parts) > 0 && turn.Parts[0].Text != "" {
				rendered = append(rendered, RenderedTurn{Who: "bot", MD: turn.Parts[0].Text})
			} else {
				rendered = append(rendered, RenderedTurn{Who: "bot", MD: "[empty or malformed reply]"})
			}
		}
	}
	return rendered
}
