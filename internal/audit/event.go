// Package audit records ticket lifecycle events: one structured log line
// per event (durable sink), an append-only SQLite event store, and a
// best-effort rich record posted to the designated log channel.
package audit

import (
	"sort"
	"strings"
	"time"
)

// EventType is the kind of lifecycle event.
type EventType string

const (
	EventCreated EventType = "Created"
	EventClosed  EventType = "Closed"
)

// Event is a single append-only audit record. Events are never mutated.
type Event struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        EventType         `json:"event"`
	GuildID     string            `json:"guild_id"`
	ChannelID   string            `json:"channel_id,omitempty"`
	ChannelName string            `json:"channel,omitempty"`
	ActorID     string            `json:"user_id"`
	ActorName   string            `json:"user"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Field is one display-ready extra field for the visual record.
type Field struct {
	Name  string
	Value string
}

// DisplayFields renders the event's extra fields for the log-channel embed:
// keys sorted for determinism, underscores replaced with spaces and
// title-cased; values verbatim.
func DisplayFields(ev Event) []Field {
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, Field{Name: titleCase(k), Value: ev.Fields[k]})
	}
	return fields
}

func titleCase(key string) string {
	words := strings.Split(strings.ReplaceAll(key, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
