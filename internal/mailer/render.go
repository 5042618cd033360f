package mailer

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
	"time"
)

// Recipient is the addressee of one email.
type Recipient struct {
	Email string
	Name  string
}

// Message is an immediate notification.
type Message struct {
	Type    string
	Title   string
	Message string
	Data    map[string]any
}

type Reminder struct {
	TaskID string
	Title  string
	DueAt  time.Time
}

// DigestEntry is one line of a digest, in the order it was queued.
type DigestEntry struct {
	Type    string
	Title   string
	Message string
	At      time.Time
}

//go:embed templates/*.txt
var templateFS embed.FS

var templates = template.Must(template.New("mail").Funcs(template.FuncMap{
	"due":   func(t time.Time) string { return t.UTC().Format("Mon Jan 2 15:04 MST") },
	"clock": func(t time.Time) string { return t.UTC().Format("15:04") },
}).ParseFS(templateFS, "templates/*.txt"))

// view is the data every body template sees.
type view struct {
	To      Recipient
	Message Message
	Tasks   []Reminder
	Entries []DigestEntry
}

func render(name, subject string, v view) (Mail, error) {
	var b bytes.Buffer
	if err := templates.ExecuteTemplate(&b, name, v); err != nil {
		return Mail{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Mail{To: v.To.Email, Subject: subject, Body: b.String()}, nil
}

func renderWelcome(to Recipient) (Mail, error) {
	return render("welcome.txt", "Welcome to Taskbell", view{To: to})
}

func renderNotification(to Recipient, msg Message) (Mail, error) {
	subject := msg.Title
	if subject == "" {
		subject = "New notification"
	}
	return render("notification.txt", subject, view{To: to, Message: msg})
}

func renderReminder(to Recipient, tasks []Reminder) (Mail, error) {
	subject := "1 task due soon"
	if len(tasks) != 1 {
		subject = fmt.Sprintf("%d tasks due soon", len(tasks))
	}
	return render("reminder.txt", subject, view{To: to, Tasks: tasks})
}

func renderDigest(to Recipient, entries []DigestEntry) (Mail, error) {
	subject := "1 new notification"
	if len(entries) != 1 {
		subject = fmt.Sprintf("%d new notifications", len(entries))
	}
	return render("digest.txt", subject, view{To: to, Entries: entries})
}
