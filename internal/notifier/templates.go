package notifier

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"taskbell/internal/events"
)

type emailKind int

const (
	emailNotification emailKind = iota
	emailWelcome
	emailReminder
)

// notice is the title and message rendered for one event type. message is
// a text/template over the event's Fields; wrap values in field so missing
// ones read "unknown".
type notice struct {
	email   emailKind
	title   string
	message *template.Template
}

var noticeFuncs = template.FuncMap{"field": formatField}

func newNotice(email emailKind, title, message string) notice {
	return notice{
		email:   email,
		title:   title,
		message: template.Must(template.New(title).Funcs(noticeFuncs).Parse(message)),
	}
}

var notices = map[string]notice{
	events.TypeUserRegistered: newNotice(emailWelcome,
		"Welcome to Taskbell",
		"Your account is ready."),
	events.TypeTaskCreated: newNotice(emailNotification,
		"New task",
		`Task "{{field .title}}" was created.`),
	events.TypeTaskCompleted: newNotice(emailNotification,
		"Task completed",
		`Task "{{field .title}}" was completed.`),
	events.TypeTasksDueSoon: newNotice(emailReminder,
		"Tasks due soon",
		"{{field .count}} task(s) are due soon."),
	events.TypePasswordResetRequested: newNotice(emailNotification,
		"Password reset requested",
		"A password reset was requested for your account. The link expires at {{field .expiresAt}}."),
	events.TypePasswordChanged: newNotice(emailNotification,
		"Your password was changed",
		"Your password was changed. If this was not you, reset it now."),
	events.TypeNewLogin: newNotice(emailNotification,
		"New sign-in",
		"New sign-in to your account from {{field .location}} ({{field .ip}})."),
	events.TypeSuspiciousLogin: newNotice(emailNotification,
		"Suspicious sign-in blocked",
		"We blocked a sign-in attempt from {{field .ip}}: {{field .reason}}."),
}

func lookupNotice(kind string) (notice, bool) {
	n, ok := notices[kind]
	return n, ok
}

func (n notice) render(data map[string]any) string {
	var b strings.Builder
	if err := n.message.Execute(&b, data); err != nil {
		return n.title
	}
	return b.String()
}

func formatField(v any) string {
	switch x := v.(type) {
	case nil:
		return "unknown"
	case string:
		if x == "" {
			return "unknown"
		}
		return x
	case time.Time:
		if x.IsZero() {
			return "unknown"
		}
		return x.UTC().Format("2006-01-02 15:04 MST")
	default:
		return fmt.Sprint(x)
	}
}

// describe renders title and message for kind, falling back to the kind
// itself for types without a template.
func describe(kind string, data map[string]any) (title, message string) {
	n, ok := lookupNotice(kind)
	if !ok {
		return kind, ""
	}
	return n.title, n.render(data)
}
