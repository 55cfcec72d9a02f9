// ABOUTME: Human-readable "last active" rendering for presence records
// ABOUTME: Buckets offline age into minutes/hours/days with floor rounding

package presence

import (
	"fmt"
	"time"

	"github.com/tradepost/chatcore/internal/store"
)

// LastActive renders a presence record for badge display: "Active now"
// while online, otherwise the time since the last transition bucketed
// into minutes, hours, or days.
func LastActive(rec *store.PresenceRecord, now time.Time) string {
	if rec.Online() {
		return "Active now"
	}

	age := now.Sub(rec.LastChanged)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}
