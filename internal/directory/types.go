package directory

import (
	"context"
	"strings"
)

// User is the identity the dispatcher addresses.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Preferences are per-user notification settings.
//
// Flags holds per-namespace switches such as "taskNotifications". A flag
// that is absent counts as enabled.
type Preferences struct {
	UserID  string          `json:"userId"`
	Enabled bool            `json:"enabled"`
	Email   bool            `json:"email"`
	Push    bool            `json:"push"`
	Flags   map[string]bool `json:"flags,omitempty"`
}

// Active reports whether any delivery is allowed at all.
func (p *Preferences) Active() bool {
	return p != nil && p.Enabled && (p.Email || p.Push)
}

// Allows reports whether notifications of the given event type are wanted.
func (p *Preferences) Allows(eventType string) bool {
	if p == nil {
		return false
	}
	v, ok := p.Flags[FlagFor(eventType)]
	return !ok || v
}

// FlagFor derives the preference flag for an event type from its namespace:
// "task.completed" -> "taskNotifications".
func FlagFor(eventType string) string {
	ns, _, _ := strings.Cut(eventType, ".")
	return ns + "Notifications"
}

// Gateway resolves identities and preferences. Implementations return
// (nil, nil) when the record does not exist.
type Gateway interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindPreferencesByUserID(ctx context.Context, userID string) (*Preferences, error)
}
