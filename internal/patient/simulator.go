package patient

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rewired-gh/audiometer/internal/models"
)

// Simulator is both the audio player and the response source for a simulated
// listener. It answers every stimulus, with an explicit non-response when the
// listener does not react.
type Simulator struct {
	profile Profile
	rng     *rand.Rand
	events  chan models.ResponseEvent

	// StimulusDuration, when set, is slept on every presentation to mimic
	// the playback envelope.
	StimulusDuration time.Duration

	presented int
}

func NewSimulator(profile Profile, seed int64) *Simulator {
	return &Simulator{
		profile: profile,
		rng:     rand.New(rand.NewSource(seed)),
		events:  make(chan models.ResponseEvent, 8),
	}
}

func (s *Simulator) Responses() <-chan models.ResponseEvent {
	return s.events
}

func (s *Simulator) PresentStimulus(ctx context.Context, stimulus models.Stimulus) error {
	if s.StimulusDuration > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.StimulusDuration):
		}
	}
	s.presented++

	ev := models.ResponseEvent{TrialID: stimulus.TrialID}
	if s.hears(stimulus) {
		ev.Responded = true
		ev.LatencyMs = s.latency()
	}

	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) hears(stimulus models.Stimulus) bool {
	if stimulus.IsCatch {
		return s.rng.Float64() < s.profile.FalseAlarmRate
	}
	p := ResponseProbability(s.profile, stimulus.Ear, stimulus.FrequencyHz, stimulus.LevelDbHL)
	return s.rng.Float64() < p
}

// ResponseProbability is the listener's psychometric function: 50% at the
// effective threshold, scaled down by the lapse rate.
func ResponseProbability(p Profile, ear models.Ear, hz, level int) float64 {
	t := p.Threshold(ear, hz)
	var psi float64
	switch {
	case p.SlopeDb == 0 && level >= t:
		psi = 1
	case p.SlopeDb == 0:
		psi = 0
	default:
		psi = 1 / (1 + math.Exp(-float64(level-t)/p.SlopeDb))
	}
	return (1 - p.LapseRate) * psi
}

func (s *Simulator) latency() float64 {
	m := s.profile.Latency
	if s.rng.Float64() < m.AnticipatoryRate {
		return 60 + s.rng.Float64()*80
	}
	v := m.MeanMs + m.FatigueMsPerTrial*float64(s.presented) + s.rng.NormFloat64()*m.StdDevMs
	return math.Max(160, v)
}
