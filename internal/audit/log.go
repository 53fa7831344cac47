// Package audit holds the append-only decision log every engine component
// writes to.
package audit

import (
	"fmt"
	"time"

	"github.com/rewired-gh/audiometer/internal/logger"
	"github.com/rewired-gh/audiometer/internal/models"
)

// RationaleUnavailable replaces the rationale when rendering fails.
const RationaleUnavailable = "(rationale unavailable)"

// Renderer turns a structured entry into prose.
type Renderer interface {
	Render(entry models.DecisionLogEntry) (string, error)
}

// Subscriber receives every entry after it is appended.
type Subscriber func(entry models.DecisionLogEntry)

// Log is the session's decision stream. It is single-writer: only the
// goroutine driving the session appends to it.
type Log struct {
	entries     []models.DecisionLogEntry
	renderer    Renderer
	subscribers []Subscriber
	now         func() time.Time
	seq         int64
}

// New creates a log. now may be nil to use time.Now.
func New(renderer Renderer, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{renderer: renderer, now: now}
}

// Subscribe registers a read-only observer of the stream.
func (l *Log) Subscribe(s Subscriber) {
	l.subscribers = append(l.subscribers, s)
}

// Append records a decision. Rendering and subscribers run synchronously but
// cannot fail the caller: errors and panics only cost the rationale text.
func (l *Log) Append(source string, payload models.Payload) models.DecisionLogEntry {
	if l == nil {
		return models.DecisionLogEntry{}
	}
	l.seq++
	entry := models.DecisionLogEntry{
		Seq:       l.seq,
		Timestamp: l.now(),
		Source:    source,
		Kind:      payload.Kind(),
		Payload:   payload,
	}
	entry.Rationale = l.render(entry)
	l.entries = append(l.entries, entry)

	for _, s := range l.subscribers {
		l.notify(s, entry)
	}
	return entry
}

func (l *Log) render(entry models.DecisionLogEntry) (text string) {
	if l.renderer == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Explainer panicked on %s #%d: %v", entry.Kind, entry.Seq, r)
			text = RationaleUnavailable
		}
	}()
	text, err := l.renderer.Render(entry)
	if err != nil {
		logger.Warn("Explainer failed on %s #%d: %v", entry.Kind, entry.Seq, err)
		return RationaleUnavailable
	}
	return text
}

func (l *Log) notify(s Subscriber, entry models.DecisionLogEntry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Decision subscriber panicked on %s #%d: %v", entry.Kind, entry.Seq, r)
		}
	}()
	s(entry)
}

// Entries returns a copy of the stream.
func (l *Log) Entries() []models.DecisionLogEntry {
	return append([]models.DecisionLogEntry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// OfKind returns entries with the given kind, in order.
func (l *Log) OfKind(kind models.DecisionKind) []models.DecisionLogEntry {
	var out []models.DecisionLogEntry
	for _, e := range l.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// String is used by debug logging.
func (l *Log) String() string {
	return fmt.Sprintf("audit.Log(%d entries)", len(l.entries))
}
