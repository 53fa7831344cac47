package patient

import (
	"context"

	"github.com/rewired-gh/audiometer/internal/models"
)

// Scripted replays recorded responses by trial ID. A stored timeout replays
// as an explicit non-response; an unknown trial is answered with one and
// counted in Missing.
type Scripted struct {
	recorded map[int64]models.ResponseEvent
	events   chan models.ResponseEvent
	missing  []int64

	abortOn map[int64]bool
	abort   func()
}

func NewScripted(responses []models.ResponseEvent) *Scripted {
	recorded := make(map[int64]models.ResponseEvent, len(responses))
	for _, r := range responses {
		recorded[r.TrialID] = r
	}
	return &Scripted{
		recorded: recorded,
		events:   make(chan models.ResponseEvent, 8),
	}
}

func (s *Scripted) Responses() <-chan models.ResponseEvent {
	return s.events
}

// AbortOn makes the listed trials call abort instead of answering, the way
// an operator interrupted them in the recorded session.
func (s *Scripted) AbortOn(trialIDs []int64, abort func()) {
	s.abortOn = make(map[int64]bool, len(trialIDs))
	for _, id := range trialIDs {
		s.abortOn[id] = true
	}
	s.abort = abort
}

func (s *Scripted) PresentStimulus(ctx context.Context, stimulus models.Stimulus) error {
	if s.abortOn[stimulus.TrialID] {
		s.abort()
		return nil
	}
	ev, ok := s.recorded[stimulus.TrialID]
	if !ok {
		s.missing = append(s.missing, stimulus.TrialID)
	}
	ev = models.ResponseEvent{
		TrialID:   stimulus.TrialID,
		Responded: ok && ev.Responded && !ev.TimedOut,
		LatencyMs: ev.LatencyMs,
	}

	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Missing lists trials the script had no response for.
func (s *Scripted) Missing() []int64 {
	return s.missing
}
