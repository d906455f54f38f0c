package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// DomainEvent is a notification raised by the backend's business logic.
type DomainEvent struct {
	Topic     string
	SubTopic  string
	Title     string
	Type      string
	Payload   any
	Link      string
	ShowAlert bool
	ID        string
	// TargetUserIDs names the users to notify. An event without targets is
	// never delivered.
	TargetUserIDs []string
}

// wireEvent is the JSON shape published by the backend. Producers are loose
// about types: ids may be numbers, flags may be strings, and targets may be
// a single id or a comma separated list.
type wireEvent struct {
	Topic          string `json:"topic"`
	SubTopic       string `json:"subTopic"`
	Title          string `json:"title"`
	Type           string `json:"type"`
	MessagePayload any    `json:"messagePayload"`
	Link           string `json:"link"`
	ShowAlert      any    `json:"showAlert"`
	ID             any    `json:"id"`
	TargetUserIDs  any    `json:"targetUserIds"`
}

// UnmarshalJSON decodes the backend's wire shape, coercing loosely typed
// fields.
func (e *DomainEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	showAlert := false
	if w.ShowAlert != nil {
		var err error
		if showAlert, err = cast.ToBoolE(w.ShowAlert); err != nil {
			return fmt.Errorf("showAlert: %w", err)
		}
	}
	targets, err := toUserIDs(w.TargetUserIDs)
	if err != nil {
		return fmt.Errorf("targetUserIds: %w", err)
	}
	*e = DomainEvent{
		Topic:         w.Topic,
		SubTopic:      w.SubTopic,
		Title:         w.Title,
		Type:          w.Type,
		Payload:       w.MessagePayload,
		Link:          w.Link,
		ShowAlert:     showAlert,
		ID:            cast.ToString(w.ID),
		TargetUserIDs: targets,
	}
	return nil
}

// MarshalJSON encodes e in the backend's wire shape.
func (e DomainEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Topic:          e.Topic,
		SubTopic:       e.SubTopic,
		Title:          e.Title,
		Type:           e.Type,
		MessagePayload: e.Payload,
		Link:           e.Link,
		ShowAlert:      e.ShowAlert,
		ID:             e.ID,
	}
	if len(e.TargetUserIDs) > 0 {
		w.TargetUserIDs = e.TargetUserIDs
	}
	return json.Marshal(w)
}

func toUserIDs(v any) ([]string, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		return splitAndTrim(v), nil
	default:
		return cast.ToStringSliceE(v)
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Listener receives domain events one at a time. Sources call it
// synchronously, so implementations must return promptly.
type Listener interface {
	OnEvent(ctx context.Context, ev DomainEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev DomainEvent)

func (f ListenerFunc) OnEvent(ctx context.Context, ev DomainEvent) {
	f(ctx, ev)
}

// EventSource delivers domain events to subscribed listeners.
type EventSource interface {
	// Subscribe registers l and returns a function that removes it.
	Subscribe(l Listener) (unsubscribe func(), err error)
}
