// Package realtime delivers row changes and presence channel events to subscribers.
//
// Sources (Hub, PGFeed, RedisPresence) only move events; Adapter owns delivery semantics:
// per-subscription ordering, predicate filtering, panic isolation, idempotent close and
// resubscription after a dropped connection. Delivery is at-least-once, so consumers must
// merge idempotently.
package realtime

import (
	"context"
	"github.com/valyala/fastjson"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// Row is a JSON object keyed by column name
type Row []byte

// Field returns the string value of column or "" when absent or not a string
func (r Row) Field(column string) string {
	if len(r) == 0 {
		return ""
	}
	return fastjson.GetString(r, column)
}

// RowChange is a single committed change of a table row. New is nil for deletes, Old is nil for inserts.
type RowChange struct {
	Type  EventType
	Table string
	New   Row
	Old   Row
}

// RowFilter selects changes of Table whose Column equals Value in either the new or the old row.
// Empty Column matches every change of Table.
type RowFilter struct {
	Table  string
	Column string
	Value  string
}

// Match reports whether c passes the filter
func (f RowFilter) Match(c RowChange) bool {
	if c.Table != f.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	return c.New.Field(f.Column) == f.Value || c.Old.Field(f.Column) == f.Value
}

// Payload is a JSON document published by a presence member
type Payload []byte

// State is the membership of a presence channel: presence key -> payload
type State map[string]Payload

// Clone returns a copy safe to hand to another goroutine
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = append(Payload(nil), v...)
	}
	return out
}

type PresenceKind int

const (
	PresenceSync PresenceKind = iota
	PresenceJoin
	PresenceLeave
)

func (k PresenceKind) String() string {
	switch k {
	case PresenceSync:
		return "sync"
	case PresenceJoin:
		return "join"
	case PresenceLeave:
		return "leave"
	}
	return "unknown"
}

// PresenceEvent carries State for syncs, Key and Payload for joins and leaves
type PresenceEvent struct {
	Kind    PresenceKind
	Key     string
	Payload Payload
	State   State
}

// RowSource subscribes to every change of a table. The returned channel receives an error when the
// subscription drops and is closed when it ends; cancelling ctx ends it without an error.
type RowSource interface {
	SubscribeRows(ctx context.Context, table string, deliver func(RowChange)) (<-chan error, error)
}

// PresenceSource subscribes to a presence channel. A sync event must be delivered right after every
// (re)subscription. The returned channel follows RowSource conventions.
type PresenceSource interface {
	SubscribePresence(ctx context.Context, channel string, deliver func(PresenceEvent)) (<-chan error, error)
	Track(ctx context.Context, channel, key string, payload Payload) error
	Untrack(ctx context.Context, channel, key string) error
	Snapshot(ctx context.Context, channel string) (State, error)
}

// NotifyChannel returns the postgres LISTEN channel carrying row changes of table
func NotifyChannel(table string) string {
	return "barmatch_" + table
}
