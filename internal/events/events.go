// Package events defines the typed domain events published on the bus.
//
// Every payload is validated once, in New, before it can reach a subscriber.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"taskbell/internal/eventbus"
)

const (
	TypeUserRegistered         = "user.registered"
	TypeTaskCreated            = "task.created"
	TypeTaskCompleted          = "task.completed"
	TypeTasksDueSoon           = "task.due_soon"
	TypePasswordResetRequested = "auth.password_reset_requested"
	TypePasswordChanged        = "auth.password_changed"
	TypeNewLogin               = "auth.new_login"
	TypeSuspiciousLogin        = "auth.suspicious_login"
)

var (
	ErrInvalid     = errors.New("events: invalid payload")
	ErrUnknownType = errors.New("events: unknown event type")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Payload is implemented by every event body.
type Payload interface {
	EventType() string
	// Recipient is the user the event is about.
	Recipient() string
	// Fields flattens the payload for templates and digests.
	Fields() map[string]any
}

type UserRegistered struct {
	UserID string `json:"userId" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
	Name   string `json:"name"`
}

func (UserRegistered) EventType() string   { return TypeUserRegistered }
func (p UserRegistered) Recipient() string { return p.UserID }
func (p UserRegistered) Fields() map[string]any {
	return map[string]any{"userId": p.UserID, "email": p.Email, "name": p.Name}
}

type TaskCreated struct {
	UserID string `json:"userId" validate:"required"`
	TaskID string `json:"taskId" validate:"required"`
	Title  string `json:"title"`
}

func (TaskCreated) EventType() string   { return TypeTaskCreated }
func (p TaskCreated) Recipient() string { return p.UserID }
func (p TaskCreated) Fields() map[string]any {
	return map[string]any{"userId": p.UserID, "taskId": p.TaskID, "title": p.Title}
}

type TaskCompleted struct {
	UserID string `json:"userId" validate:"required"`
	TaskID string `json:"taskId" validate:"required"`
	Title  string `json:"title"`
}

func (TaskCompleted) EventType() string   { return TypeTaskCompleted }
func (p TaskCompleted) Recipient() string { return p.UserID }
func (p TaskCompleted) Fields() map[string]any {
	return map[string]any{"userId": p.UserID, "taskId": p.TaskID, "title": p.Title}
}

type DueTask struct {
	TaskID string    `json:"taskId" validate:"required"`
	Title  string    `json:"title"`
	DueAt  time.Time `json:"dueAt"`
}

// TasksDueSoon is a batch of reminders for one user.
type TasksDueSoon struct {
	UserID string    `json:"userId" validate:"required"`
	Tasks  []DueTask `json:"tasks" validate:"required,min=1,dive"`
}

func (TasksDueSoon) EventType() string   { return TypeTasksDueSoon }
func (p TasksDueSoon) Recipient() string { return p.UserID }
func (p TasksDueSoon) Fields() map[string]any {
	tasks := make([]map[string]any, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		tasks = append(tasks, map[string]any{"taskId": t.TaskID, "title": t.Title, "dueAt": t.DueAt})
	}
	return map[string]any{"userId": p.UserID, "tasks": tasks, "count": len(p.Tasks)}
}

type PasswordResetRequested struct {
	UserID    string    `json:"userId" validate:"required"`
	Email     string    `json:"email" validate:"required,email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (PasswordResetRequested) EventType() string   { return TypePasswordResetRequested }
func (p PasswordResetRequested) Recipient() string { return p.UserID }
func (p PasswordResetRequested) Fields() map[string]any {
	return map[string]any{"userId": p.UserID, "email": p.Email, "expiresAt": p.ExpiresAt}
}

type PasswordChanged struct {
	UserID string `json:"userId" validate:"required"`
}

func (PasswordChanged) EventType() string   { return TypePasswordChanged }
func (p PasswordChanged) Recipient() string { return p.UserID }
func (p PasswordChanged) Fields() map[string]any {
	return map[string]any{"userId": p.UserID}
}

type NewLogin struct {
	UserID    string `json:"userId" validate:"required"`
	IP        string `json:"ip" validate:"omitempty,ip"`
	UserAgent string `json:"userAgent"`
	Location  string `json:"location"`
}

func (NewLogin) EventType() string   { return TypeNewLogin }
func (p NewLogin) Recipient() string { return p.UserID }
func (p NewLogin) Fields() map[string]any {
	return map[string]any{"userId": p.UserID, "ip": p.IP, "userAgent": p.UserAgent, "location": p.Location}
}

type SuspiciousLogin struct {
	UserID string `json:"userId" validate:"required"`
	IP     string `json:"ip" validate:"omitempty,ip"`
	Reason string `json:"reason"`
}

func (SuspiciousLogin) EventType() string   { return TypeSuspiciousLogin }
func (p SuspiciousLogin) Recipient() string { return p.UserID }
func (p SuspiciousLogin) Fields() map[string]any {
	return map[string]any{"userId": p.UserID, "ip": p.IP, "reason": p.Reason}
}

// Kind describes how the dispatcher treats an event type.
type Kind struct {
	Type string
	// Immediate events bypass dedup suppression.
	Immediate bool
	decode    func([]byte) (Payload, error)
}

func decoder[T Payload]() func([]byte) (Payload, error) {
	return func(raw []byte) (Payload, error) {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

var catalog = map[string]Kind{
	TypeUserRegistered:         {Type: TypeUserRegistered, Immediate: true, decode: decoder[UserRegistered]()},
	TypeTaskCreated:            {Type: TypeTaskCreated, decode: decoder[TaskCreated]()},
	TypeTaskCompleted:          {Type: TypeTaskCompleted, decode: decoder[TaskCompleted]()},
	TypeTasksDueSoon:           {Type: TypeTasksDueSoon, Immediate: true, decode: decoder[TasksDueSoon]()},
	TypePasswordResetRequested: {Type: TypePasswordResetRequested, Immediate: true, decode: decoder[PasswordResetRequested]()},
	TypePasswordChanged:        {Type: TypePasswordChanged, Immediate: true, decode: decoder[PasswordChanged]()},
	TypeNewLogin:               {Type: TypeNewLogin, Immediate: true, decode: decoder[NewLogin]()},
	TypeSuspiciousLogin:        {Type: TypeSuspiciousLogin, Immediate: true, decode: decoder[SuspiciousLogin]()},
}

// Lookup returns the catalog entry for typ.
func Lookup(typ string) (Kind, bool) {
	k, ok := catalog[typ]
	return k, ok
}

// Known returns every known event type.
func Known() []string {
	out := make([]string, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	return out
}

// Validate checks struct tags on p.
func Validate(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalid)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, p.EventType(), err)
	}
	return nil
}

// New validates p and wraps it in a bus event.
func New(p Payload) (eventbus.Event, error) {
	if err := Validate(p); err != nil {
		return eventbus.Event{}, err
	}
	return eventbus.Event{Type: p.EventType(), Data: p}, nil
}

// Decode rebuilds a validated payload from its JSON wire form.
func Decode(typ string, raw []byte) (Payload, error) {
	k, ok := catalog[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	p, err := k.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, typ, err)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}
