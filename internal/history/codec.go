// Package history shapes a session's conversation log into the bounded
// payload sent to the remote assistant. Both functions are pure; the
// payload is recomputed from scratch on every request rather than
// maintained incrementally.
package history

import "github.com/beast-health/consultd/pkg/models"

const (
	// MaxTurns caps the recency window of the outbound payload.
	MaxTurns = 8
	// MaxContentLen caps each turn's content in characters.
	MaxContentLen = 1400

	truncationMarker = "..."
)

// Clip bounds text to MaxContentLen characters, appending a truncation
// marker when something was cut. Total over all strings.
func Clip(text string) string {
	return ClipTo(text, MaxContentLen)
}

// ClipTo is Clip with an explicit limit. The limit counts characters, not
// bytes, so multi-byte content is never cut mid-rune.
func ClipTo(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	seen := 0
	for i := range text {
		if seen == maxLen {
			return text[:i] + truncationMarker
		}
		seen++
	}
	return text
}

// Payload filters turns to the conversational roles, keeps the last
// MaxTurns (oldest first) and clips each turn's content.
func Payload(turns []models.Turn) []models.Turn {
	kept := make([]models.Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
			continue
		}
		kept = append(kept, turn)
	}

	if len(kept) > MaxTurns {
		kept = kept[len(kept)-MaxTurns:]
	}

	out := make([]models.Turn, len(kept))
	for i, turn := range kept {
		out[i] = models.Turn{Role: turn.Role, Content: Clip(turn.Content)}
	}
	return out
}
