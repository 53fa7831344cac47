// Package protocol implements the modified Hughson-Westlake staircase run for
// one (ear, frequency) pair.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rewired-gh/audiometer/internal/audit"
	"github.com/rewired-gh/audiometer/internal/models"
)

const (
	// UndeterminedNote is attached to abandoned frequencies.
	UndeterminedNote = "undetermined, follow-up required"

	reasonNoResponseAtLimit = "no response at maximum output level"
)

var (
	ErrFinalized        = errors.New("frequency already finalized")
	ErrTrialOutstanding = errors.New("a trial is already outstanding")
)

// Response is a scored answer to the outstanding trial.
type Response struct {
	TrialID   int64
	Responded bool
	LatencyMs float64
	// ValidTiming is set when the latency fell in a valid class; it feeds
	// the confidence estimate.
	ValidTiming bool
}

// Outcome describes what a response did to the staircase.
type Outcome struct {
	Status         models.FrequencyStatus
	NextLevel      int
	Reversal       bool
	ReversalNumber int
	Final          bool
}

// Machine runs the staircase for one pair. It is not safe for concurrent use.
type Machine struct {
	config      Config
	state       models.PerFrequencyState
	outstanding *models.Trial
	log         *audit.Log
	retest      bool
	validTiming int
	responses   int
}

// New creates a machine in SEEKING_FIRST_RESPONSE at the start level.
func New(ear models.Ear, frequencyHz int, config Config, log *audit.Log) (*Machine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		config: config,
		log:    log,
		state: models.PerFrequencyState{
			Ear:          ear,
			FrequencyHz:  frequencyHz,
			CurrentLevel: config.StartLevel,
			Direction:    models.Ascending,
			Status:       models.StatusSeekingFirstResponse,
		},
	}, nil
}

// AsRetest marks confirmations from this machine as retest measurements.
func (m *Machine) AsRetest() *Machine {
	m.retest = true
	return m
}

// State returns a copy of the pair state.
func (m *Machine) State() models.PerFrequencyState {
	return m.state.Clone()
}

// Final reports whether the machine reached a terminal status.
func (m *Machine) Final() bool {
	return m.state.Status.Final()
}

// NextLevel is the level the next scored stimulus will use.
func (m *Machine) NextLevel() int {
	return m.state.CurrentLevel
}

// Outstanding returns the trial awaiting a response, if any.
func (m *Machine) Outstanding() (models.Trial, bool) {
	if m.outstanding == nil {
		return models.Trial{}, false
	}
	return *m.outstanding, true
}

// PresentNextStimulus issues the next scored trial at the current level.
func (m *Machine) PresentNextStimulus(trialID int64, now time.Time) (models.Trial, error) {
	if m.Final() {
		return models.Trial{}, fmt.Errorf("%s: %w", m.state.Key(), ErrFinalized)
	}
	if m.outstanding != nil {
		return models.Trial{}, fmt.Errorf("%s: trial %d: %w", m.state.Key(), m.outstanding.ID, ErrTrialOutstanding)
	}
	level, _ := m.config.clamp(m.state.CurrentLevel)
	trial := models.Trial{
		ID:          trialID,
		Ear:         m.state.Ear,
		FrequencyHz: m.state.FrequencyHz,
		LevelDbHL:   level,
		Kind:        models.TrialScored,
		PresentedAt: now,
	}
	m.outstanding = &trial
	return trial, nil
}

// CancelOutstanding drops the outstanding trial without scoring it.
func (m *Machine) CancelOutstanding() {
	m.outstanding = nil
}

// RecordResponse scores the outstanding trial and advances the staircase.
// It returns models.ErrProtocolExceeded when the pair is abandoned.
func (m *Machine) RecordResponse(r Response) (Outcome, error) {
	if m.outstanding == nil || m.outstanding.ID != r.TrialID {
		return Outcome{}, fmt.Errorf("%s: trial %d: %w", m.state.Key(), r.TrialID, models.ErrSpuriousResponse)
	}
	level := m.outstanding.LevelDbHL
	m.outstanding = nil

	if r.Responded {
		m.responses++
		if r.ValidTiming {
			m.validTiming++
		}
	}

	entry := models.ScoredTrial{
		TrialID:   r.TrialID,
		LevelDbHL: level,
		Responded: r.Responded,
		LatencyMs: r.LatencyMs,
		Direction: m.state.Direction,
	}

	var next int
	switch m.state.Status {
	case models.StatusSeekingFirstResponse:
		if r.Responded {
			entry.Reversal = true
			m.transition(models.StatusBracketing, "first response obtained")
			next = level - m.config.DescendStepDb
		} else {
			next = level + m.config.SeekStepDb
		}
	default:
		if prev, ok := m.lastAtOtherLevel(level); ok && prev.Responded != r.Responded {
			entry.Reversal = true
		}
		if r.Responded {
			next = level - m.config.DescendStepDb
		} else {
			next = level + m.config.AscendStepDb
		}
	}

	if entry.Reversal {
		m.state.ReversalCount++
		entry.ReversalNumber = m.state.ReversalCount
		m.log.Append(models.SourceProtocol, models.ReversalCounted{
			Ear:         m.state.Ear,
			FrequencyHz: m.state.FrequencyHz,
			LevelDbHL:   level,
			Number:      m.state.ReversalCount,
			Required:    m.config.RequiredReversals,
			Responded:   r.Responded,
		})
	}
	m.state.TrialHistory = append(m.state.TrialHistory, entry)

	out := Outcome{Reversal: entry.Reversal, ReversalNumber: entry.ReversalNumber}

	switch {
	case m.state.ReversalCount >= m.config.RequiredReversals:
		m.confirm()
	case !r.Responded && level >= m.config.MaxLevel:
		m.abandon(reasonNoResponseAtLimit)
	case len(m.state.TrialHistory) >= m.config.MaxTrials:
		m.abandon(fmt.Sprintf("trial ceiling of %d reached with %d/%d reversals",
			m.config.MaxTrials, m.state.ReversalCount, m.config.RequiredReversals))
	default:
		m.step(level, next, r.Responded)
	}

	out.Status = m.state.Status
	out.NextLevel = m.state.CurrentLevel
	out.Final = m.Final()
	if m.state.Status == models.StatusAbandoned {
		return out, fmt.Errorf("%s: %w", m.state.Key(), models.ErrProtocolExceeded)
	}
	return out, nil
}

func (m *Machine) lastScored() (models.ScoredTrial, bool) {
	n := len(m.state.TrialHistory)
	if n == 0 {
		return models.ScoredTrial{}, false
	}
	return m.state.TrialHistory[n-1], true
}

// lastAtOtherLevel returns the most recent scored trial presented at a level
// other than level. Trials repeated at a clamp limit are skipped.
func (m *Machine) lastAtOtherLevel(level int) (models.ScoredTrial, bool) {
	for i := len(m.state.TrialHistory) - 1; i >= 0; i-- {
		if t := m.state.TrialHistory[i]; t.LevelDbHL != level {
			return t, true
		}
	}
	return models.ScoredTrial{}, false
}

func (m *Machine) step(from, to int, responded bool) {
	clamped, wasClamped := m.config.clamp(to)
	dir := models.Ascending
	if responded {
		dir = models.Descending
	}
	changed := dir != m.state.Direction
	m.state.Direction = dir
	m.state.CurrentLevel = clamped

	m.log.Append(models.SourceProtocol, models.LevelChanged{
		Ear:              m.state.Ear,
		FrequencyHz:      m.state.FrequencyHz,
		FromLevel:        from,
		ToLevel:          clamped,
		Responded:        responded,
		Direction:        dir,
		DirectionChanged: changed,
		Clamped:          wasClamped,
	})
}

func (m *Machine) transition(to models.FrequencyStatus, reason string) {
	from := m.state.Status
	m.state.Status = to
	m.log.Append(models.SourceProtocol, models.StatusChanged{
		Ear:         m.state.Ear,
		FrequencyHz: m.state.FrequencyHz,
		From:        from,
		To:          to,
		Reason:      reason,
	})
}

func (m *Machine) confirm() {
	threshold := m.threshold()
	confidence := m.confidence()
	m.state.Threshold = &threshold
	m.state.Confidence = &confidence
	m.transition(models.StatusThresholdConfirmed,
		fmt.Sprintf("%d reversals reached", m.state.ReversalCount))
	m.log.Append(models.SourceProtocol, models.ThresholdConfirmed{
		Ear:           m.state.Ear,
		FrequencyHz:   m.state.FrequencyHz,
		ThresholdDbHL: threshold,
		Confidence:    confidence,
		Reversals:     m.state.ReversalCount,
		Trials:        len(m.state.TrialHistory),
		Rule:          string(m.config.ThresholdRule),
		Retest:        m.retest,
	})
}

func (m *Machine) abandon(reason string) {
	m.state.Note = UndeterminedNote
	m.transition(models.StatusAbandoned, reason)
	last, _ := m.lastScored()
	m.log.Append(models.SourceProtocol, models.FrequencyAbandoned{
		Ear:         m.state.Ear,
		FrequencyHz: m.state.FrequencyHz,
		Trials:      len(m.state.TrialHistory),
		LastLevel:   last.LevelDbHL,
		Reason:      reason,
	})
}

func (m *Machine) threshold() int {
	lowest := m.lowestResponse()
	switch m.config.ThresholdRule {
	case RuleLastReversal:
		for i := len(m.state.TrialHistory) - 1; i >= 0; i-- {
			t := m.state.TrialHistory[i]
			if t.Reversal && t.Responded {
				return t.LevelDbHL
			}
		}
	case RuleAscendingMajority:
		if level, ok := m.ascendingMajority(); ok {
			return level
		}
	}
	return lowest
}

func (m *Machine) lowestResponse() int {
	lowest := m.config.MaxLevel
	for _, t := range m.state.TrialHistory {
		if t.Responded && t.LevelDbHL < lowest {
			lowest = t.LevelDbHL
		}
	}
	return lowest
}

// ascendingMajority looks only at bracketing trials reached by stepping up.
func (m *Machine) ascendingMajority() (int, bool) {
	type tally struct{ presented, responded int }
	counts := make(map[int]*tally)
	bracketing := false
	for _, t := range m.state.TrialHistory {
		if bracketing && t.Direction == models.Ascending {
			c, ok := counts[t.LevelDbHL]
			if !ok {
				c = &tally{}
				counts[t.LevelDbHL] = c
			}
			c.presented++
			if t.Responded {
				c.responded++
			}
		}
		if t.Responded {
			bracketing = true
		}
	}

	best, found := 0, false
	for level, c := range counts {
		if c.presented >= m.config.MinAscendingTrials && 2*c.responded >= c.presented {
			if !found || level < best {
				best, found = level, true
			}
		}
	}
	return best, found
}

// confidence blends reversal density, timing validity and the spread of
// reversal levels into [0, 1].
func (m *Machine) confidence() float64 {
	trials := len(m.state.TrialHistory)
	density := 0.0
	if trials > 0 {
		density = math.Min(1, 2*float64(m.state.ReversalCount)/float64(trials))
	}

	timing := 1.0
	if m.responses > 0 {
		timing = float64(m.validTiming) / float64(m.responses)
	}

	var levels []float64
	for _, t := range m.state.TrialHistory {
		if t.Reversal {
			levels = append(levels, float64(t.LevelDbHL))
		}
	}
	spread := 1 - math.Min(1, stddev(levels)/m.config.SpreadCeilingDb)

	c := m.config
	total := c.ReversalWeight + c.TimingWeight + c.SpreadWeight
	v := (c.ReversalWeight*density + c.TimingWeight*timing + c.SpreadWeight*spread) / total
	return math.Max(0, math.Min(1, v))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
