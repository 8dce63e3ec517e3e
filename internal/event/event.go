// Package event defines the event and event ID types shared across the broker.
package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Common errors
var (
	ErrInvalidEventID = errors.New("invalid event ID")
)

// ID identifies a single event within a topic. The canonical string form is
// "<topic>-<sequence>"; the tenant-scoped form is
// "<tenant>/<namespace>/<topic>-<sequence>". Sequence is strictly positive.
type ID struct {
	Tenant    string
	Namespace string
	Topic     string
	Sequence  uint64
}

// String returns the canonical "<topic>-<sequence>" form.
func (id ID) String() string {
	return fmt.Sprintf("%s-%d", id.Topic, id.Sequence)
}

// Qualified returns the tenant-scoped "<tenant>/<namespace>/<topic>-<sequence>" form.
func (id ID) Qualified() string {
	return fmt.Sprintf("%s/%s/%s-%d", id.Tenant, id.Namespace, id.Topic, id.Sequence)
}

// ParseID parses an event ID in either the canonical or the tenant-scoped form.
// Topic names may contain dashes, so the sequence is taken from the last dash.
func ParseID(s string) (ID, error) {
	var id ID

	rest := s
	if strings.Contains(s, "/") {
		parts := strings.Split(s, "/")
		if len(parts) != 3 {
			return id, fmt.Errorf("%w: %q", ErrInvalidEventID, s)
		}
		if parts[0] == "" || parts[1] == "" {
			return id, fmt.Errorf("%w: %q", ErrInvalidEventID, s)
		}
		id.Tenant = parts[0]
		id.Namespace = parts[1]
		rest = parts[2]
	}

	idx := strings.LastIndex(rest, "-")
	if idx <= 0 || idx == len(rest)-1 {
		return id, fmt.Errorf("%w: %q", ErrInvalidEventID, s)
	}

	seq, err := strconv.ParseUint(rest[idx+1:], 10, 64)
	if err != nil || seq == 0 {
		return id, fmt.Errorf("%w: sequence must be a positive integer: %q", ErrInvalidEventID, s)
	}

	id.Topic = rest[:idx]
	id.Sequence = seq
	return id, nil
}

// Event is an immutable record appended to a topic. The payload is the
// already-parsed JSON object that was validated against the topic schema.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
}

// SequenceOf returns the sequence component of the event's ID.
// Returns 0 if the ID is malformed.
func (e *Event) SequenceOf() uint64 {
	id, err := ParseID(e.ID)
	if err != nil {
		return 0
	}
	return id.Sequence
}
