package orchestrator

import (
	"context"
	"time"

	"github.com/rewired-gh/audiometer/internal/audit"
	"github.com/rewired-gh/audiometer/internal/models"
)

// AudioPlayer plays one stimulus and returns when its envelope has finished.
// Catch stimuli must play silence with the same timing profile.
type AudioPlayer interface {
	PresentStimulus(ctx context.Context, stimulus models.Stimulus) error
}

// ResponseSource delivers patient responses correlated by trial ID.
type ResponseSource interface {
	Responses() <-chan models.ResponseEvent
}

// Persister stores a finalized, validated session.
type Persister interface {
	SaveSession(session *models.SessionState) error
}

// Notifier receives the final snapshot, e.g. to message the operator.
type Notifier interface {
	NotifySession(session *models.SessionState) error
}

// Clock is injected so tests and replays control time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Deps groups the collaborators. Audio and Responses are required.
type Deps struct {
	Audio     AudioPlayer
	Responses ResponseSource
	Persister Persister
	Notifier  Notifier
	Clock     Clock
	// Renderer produces decision rationale; defaults to the clinical
	// explainer.
	Renderer audit.Renderer
}
