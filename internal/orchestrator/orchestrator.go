// Package orchestrator sequences a pure-tone audiometry session: it owns the
// SessionState, issues one trial at a time and routes each response to the
// protocol machine, timing analyzer, catch-trial detector and risk engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/audiometer/internal/audit"
	"github.com/rewired-gh/audiometer/internal/catchtrial"
	"github.com/rewired-gh/audiometer/internal/explain"
	"github.com/rewired-gh/audiometer/internal/logger"
	"github.com/rewired-gh/audiometer/internal/models"
	"github.com/rewired-gh/audiometer/internal/protocol"
	"github.com/rewired-gh/audiometer/internal/risk"
	"github.com/rewired-gh/audiometer/internal/timing"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotResumable   = errors.New("only an incomplete session can be resumed")
)

const interruptedNote = "interrupted before completion"

type pairPlan struct {
	ear    models.Ear
	hz     int
	retest bool
}

func (p pairPlan) String() string {
	if p.retest {
		return models.PairKey(p.ear, p.hz) + " (retest)"
	}
	return models.PairKey(p.ear, p.hz)
}

type probeStep struct {
	pair      pairPlan
	level     int
	remaining int
}

// Orchestrator drives one session. Run, Resume and Subscribe must be called
// from a single goroutine; Abort and Snapshot are safe from any goroutine.
type Orchestrator struct {
	id     string
	config Config
	deps   Deps

	state    *models.SessionState
	log      *audit.Log
	analyzer *timing.Analyzer
	detector *catchtrial.Detector
	risk     *risk.Engine
	rng      *rand.Rand

	plan           []pairPlan
	next           int
	lastTrialID    int64
	inFlight       int
	familiarizedOK bool
	// probes owed by the last confirmed pair; it is already finalized
	probes *probeStep

	published atomic.Pointer[models.SessionState]

	mu      sync.Mutex
	abortCh chan struct{}
	aborted bool
}

// New validates the configuration and builds the session. A
// *models.ConfigurationError is returned before anything is presented.
func New(config Config, deps Deps) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Audio == nil || deps.Responses == nil {
		return nil, &models.ConfigurationError{Field: "collaborators", Reason: "audio player and response source are required"}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Renderer == nil {
		deps.Renderer = explain.New()
	}
	config.Risk.Catch = config.Catch

	analyzer, err := timing.New(config.Timing)
	if err != nil {
		return nil, err
	}
	riskEngine, err := risk.New(config.Risk)
	if err != nil {
		return nil, err
	}

	id := config.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	seed := config.Seed
	if seed == 0 {
		seed = deps.Clock.Now().UnixNano()
	}

	o := &Orchestrator{
		id:       id,
		config:   config,
		deps:     deps,
		analyzer: analyzer,
		risk:     riskEngine,
		rng:      rand.New(rand.NewSource(seed)),
		inFlight: -1,
		abortCh:  make(chan struct{}),
		state: &models.SessionState{
			ID:          id,
			Seed:        seed,
			Reliability: analyzer.Reliability(),
		},
	}
	o.log = audit.New(deps.Renderer, deps.Clock.Now)
	o.log.Subscribe(func(e models.DecisionLogEntry) {
		o.state.DecisionLog = append(o.state.DecisionLog, e)
	})
	o.detector, err = catchtrial.New(config.Catch, o.log)
	if err != nil {
		return nil, err
	}

	for _, ear := range config.Ears {
		for _, hz := range config.Frequencies {
			o.plan = append(o.plan, pairPlan{ear: ear, hz: hz})
			o.state.Frequencies = append(o.state.Frequencies, models.PerFrequencyState{
				Ear:          ear,
				FrequencyHz:  hz,
				CurrentLevel: config.Protocol.StartLevel,
				Direction:    models.Ascending,
				Status:       models.StatusNotTested,
			})
		}
		for _, hz := range config.RetestFrequencies {
			o.plan = append(o.plan, pairPlan{ear: ear, hz: hz, retest: true})
		}
	}

	o.publish()
	return o, nil
}

// ID returns the session ID.
func (o *Orchestrator) ID() string {
	return o.id
}

// Subscribe registers a read-only observer of the decision stream. Call it
// before Run.
func (o *Orchestrator) Subscribe(s audit.Subscriber) {
	o.log.Subscribe(s)
}

// Snapshot returns a deep copy of the state as of the last completed trial.
func (o *Orchestrator) Snapshot() *models.SessionState {
	return o.published.Load().Snapshot()
}

// Abort stops the session at its next suspension point.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.aborted {
		return
	}
	o.aborted = true
	close(o.abortCh)
	logger.Info("Abort requested for session %s", o.id)
}

func (o *Orchestrator) abortSignal() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.abortCh
}

func (o *Orchestrator) resetAbort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.aborted {
		o.abortCh = make(chan struct{})
		o.aborted = false
	}
}

// Run executes the whole session. It returns the final snapshot; on abort the
// snapshot is INCOMPLETE and the error wraps models.ErrSessionAborted.
func (o *Orchestrator) Run(ctx context.Context) (*models.SessionState, error) {
	if o.state.Status != "" {
		return nil, fmt.Errorf("session %s: %w", o.id, ErrAlreadyStarted)
	}
	o.state.StartedAt = o.deps.Clock.Now()
	o.setStatus(models.SessionInProgress, "session started")
	logger.Info("Session %s started (seed %d, %d ears, %d frequencies)",
		o.id, o.state.Seed, len(o.config.Ears), len(o.config.Frequencies))
	return o.proceed(ctx)
}

// Resume continues an INCOMPLETE session from the first pair that was not
// finalized. An interrupted pair restarts from its start level.
func (o *Orchestrator) Resume(ctx context.Context) (*models.SessionState, error) {
	if o.state.Status != models.SessionIncomplete {
		return nil, fmt.Errorf("session %s is %s: %w", o.id, o.state.Status, ErrNotResumable)
	}
	o.resetAbort()
	o.state.EndedAt = time.Time{}
	o.setStatus(models.SessionInProgress, "resumed by operator")
	logger.Info("Session %s resumed at pair %d of %d", o.id, o.next+1, len(o.plan))
	return o.proceed(ctx)
}

func (o *Orchestrator) proceed(ctx context.Context) (*models.SessionState, error) {
	if !o.familiarizedOK {
		if err := o.familiarize(ctx); err != nil {
			return o.interrupt(err)
		}
	}
	for {
		if err := o.runProbes(ctx); err != nil {
			return o.interrupt(err)
		}
		if o.next >= len(o.plan) {
			break
		}
		if err := o.testPair(ctx, o.plan[o.next]); err != nil {
			return o.interrupt(err)
		}
		o.next++
	}

	o.state.EndedAt = o.deps.Clock.Now()
	o.setStatus(models.SessionComplete, fmt.Sprintf("all %d pairs finalized", len(o.plan)))
	logger.Info("Session %s complete: %d trials in %v", o.id, len(o.state.Trials),
		o.state.EndedAt.Sub(o.state.StartedAt))
	return o.finish(nil)
}

func (o *Orchestrator) familiarize(ctx context.Context) error {
	ear := o.config.Ears[0]
	level := o.config.FamiliarizationLevel
	for attempt := 1; attempt <= o.config.FamiliarizationAttempts; attempt++ {
		trial := models.Trial{
			ID:          o.nextTrialID(),
			Ear:         ear,
			FrequencyHz: o.config.FamiliarizationHz,
			LevelDbHL:   level,
			Kind:        models.TrialFamiliarization,
			PresentedAt: o.deps.Clock.Now(),
		}
		ev, err := o.runTrial(ctx, trial)
		if err != nil {
			return err
		}
		o.log.Append(models.SourceOrchestrator, models.Familiarization{
			TrialID:      trial.ID,
			LevelDbHL:    level,
			Attempt:      attempt,
			Acknowledged: ev.Responded,
		})
		if ev.Responded {
			o.state.Familiarized = true
			break
		}
		level = min(level+o.config.FamiliarizationStepDb, o.config.Protocol.MaxLevel)
	}
	if !o.state.Familiarized {
		logger.Warn("Familiarization tone not acknowledged after %d attempts, continuing", o.config.FamiliarizationAttempts)
	}
	o.familiarizedOK = true
	o.publish()
	return nil
}

// testPair runs one staircase to completion. It only fails when the session
// is aborted; abandonment is a normal outcome.
func (o *Orchestrator) testPair(ctx context.Context, p pairPlan) error {
	if !p.retest && o.state.Frequency(p.ear, p.hz).Status.Final() {
		logger.Debug("%s already finalized, skipping", p)
		return nil
	}
	m, err := protocol.New(p.ear, p.hz, o.config.Protocol, o.log)
	if err != nil {
		return err
	}
	if p.retest {
		m.AsRetest()
	}
	logger.Debug("Testing %s", p)
	o.syncPair(p, m)

	for !m.Final() {
		if o.rng.Float64() < o.config.CatchProbability {
			if err := o.catchTrial(ctx, p, m.NextLevel()); err != nil {
				return err
			}
		}

		trial, err := m.PresentNextStimulus(o.nextTrialID(), o.deps.Clock.Now())
		if err != nil {
			return err
		}
		ev, err := o.runTrial(ctx, trial)
		if err != nil {
			m.CancelOutstanding()
			o.syncPair(p, m)
			return err
		}
		responded, valid := o.observe(ev)

		_, err = m.RecordResponse(protocol.Response{
			TrialID:     trial.ID,
			Responded:   responded,
			LatencyMs:   ev.LatencyMs,
			ValidTiming: valid,
		})
		switch {
		case errors.Is(err, models.ErrProtocolExceeded):
			logger.Warn("%v", err)
		case err != nil:
			logger.Error("Unexpected protocol error on %s: %v", p, err)
		}
		o.syncPair(p, m)
		o.publish()
	}

	final := m.State()
	o.assessRisk(p)
	if final.Status == models.StatusThresholdConfirmed {
		logger.Info("%s threshold %d dB HL (confidence %.2f, %d trials)",
			p, *final.Threshold, *final.Confidence, len(final.TrialHistory))
		if !p.retest && o.config.ProbesPerFrequency > 0 {
			o.probes = &probeStep{
				pair:      p,
				level:     min(*final.Threshold+o.config.ProbeOffsetDb, o.config.Protocol.MaxLevel),
				remaining: o.config.ProbesPerFrequency,
			}
		}
	}
	o.publish()
	return nil
}

// syncPair copies the machine state into the session. Retests only ever
// contribute RetestThreshold to the primary entry.
func (o *Orchestrator) syncPair(p pairPlan, m *protocol.Machine) {
	entry := o.state.Frequency(p.ear, p.hz)
	st := m.State()
	if p.retest {
		if st.Status == models.StatusThresholdConfirmed {
			entry.RetestThreshold = st.Threshold
		}
		return
	}
	st.RetestThreshold = entry.RetestThreshold
	*entry = st
}

func (o *Orchestrator) catchTrial(ctx context.Context, p pairPlan, level int) error {
	trial := models.Trial{
		ID:           o.nextTrialID(),
		Ear:          p.ear,
		FrequencyHz:  p.hz,
		LevelDbHL:    level,
		Kind:         models.TrialCatch,
		IsCatchTrial: true,
		PresentedAt:  o.deps.Clock.Now(),
	}
	ev, err := o.runTrial(ctx, trial)
	if err != nil {
		return err
	}
	responded, _ := o.observe(ev)
	o.state.CatchSummary = o.detector.RecordCatch(trial, responded)
	if responded {
		logger.Debug("False positive on catch trial %d (rate %.2f)", trial.ID, o.state.CatchSummary.FalsePositiveRate)
	}
	return nil
}

// runProbes presents the probes still owed by the last confirmed pair. A
// probe interrupted by an abort is presented again on resume.
func (o *Orchestrator) runProbes(ctx context.Context) error {
	for o.probes != nil {
		step := o.probes
		if step.remaining == 0 {
			o.probes = nil
			break
		}
		trial := models.Trial{
			ID:          o.nextTrialID(),
			Ear:         step.pair.ear,
			FrequencyHz: step.pair.hz,
			LevelDbHL:   step.level,
			Kind:        models.TrialProbe,
			PresentedAt: o.deps.Clock.Now(),
		}
		ev, err := o.runTrial(ctx, trial)
		if err != nil {
			return err
		}
		responded, _ := o.observe(ev)
		o.state.CatchSummary = o.detector.RecordProbe(trial, responded)
		step.remaining--
		o.publish()
	}
	return nil
}

// observe runs a response through the timing analyzer and reports whether it
// counts as a response and whether its timing was valid.
func (o *Orchestrator) observe(ev models.ResponseEvent) (responded, validTiming bool) {
	rec := models.ResponseRecorded{TrialID: ev.TrialID, Responded: ev.Responded}
	if ev.Responded {
		obs := o.analyzer.Observe(ev.LatencyMs)
		rec.LatencyMs = ev.LatencyMs
		rec.LatencyClass = string(obs.Class)
		rec.BeyondCeiling = obs.BeyondCeiling
		rec.TreatedAsNoResponse = obs.TreatAsNoResponse

		responded = !obs.TreatAsNoResponse
		validTiming = obs.Class.Valid() && !obs.BeyondCeiling

		o.state.Reliability = o.analyzer.Reliability()
		if obs.FatigueOnset {
			o.log.Append(models.SourceTiming, models.FatigueFlagged{
				MovingAverageMs: o.state.Reliability.MovingAverageMs,
				BaselineMs:      o.state.Reliability.BaselineMs,
				Magnitude:       o.state.Reliability.FatigueTrendMagnitude,
			})
		}
	}
	o.log.Append(models.SourceTiming, rec)
	return responded, validTiming
}

func (o *Orchestrator) assessRisk(p pairPlan) {
	prev, hadPrev := o.state.LatestRisk()
	a := o.risk.Assess(risk.Input{
		Frequencies: o.state.Frequencies,
		Catch:       o.state.CatchSummary,
		Reliability: o.state.Reliability,
	})
	a.AfterPairs = o.next + 1
	a.Ear = p.ear
	a.FrequencyHz = p.hz
	o.state.RiskHistory = append(o.state.RiskHistory, a)
	o.log.Append(models.SourceRisk, models.RiskAssessed{Assessment: a.Clone()})

	if hadPrev && a.Category > prev.Category {
		logger.Info("Risk category raised from %s to %s after %s (score %.1f)", prev.Category, a.Category, p, a.Score)
	}
}

// runTrial presents a trial and waits for its response. This is the only
// place the session blocks.
func (o *Orchestrator) runTrial(ctx context.Context, trial models.Trial) (models.ResponseEvent, error) {
	o.state.Trials = append(o.state.Trials, trial)
	o.inFlight = len(o.state.Trials) - 1
	o.log.Append(models.SourceOrchestrator, models.TrialPresented{
		TrialID:     trial.ID,
		Ear:         trial.Ear,
		FrequencyHz: trial.FrequencyHz,
		LevelDbHL:   trial.LevelDbHL,
		TrialKind:   trial.Kind,
	})

	ev, err := o.deliver(ctx, trial)
	if err != nil {
		return models.ResponseEvent{}, err
	}
	o.inFlight = -1
	o.state.Responses = append(o.state.Responses, ev)
	return ev, nil
}

func (o *Orchestrator) deliver(ctx context.Context, trial models.Trial) (models.ResponseEvent, error) {
	if err := o.play(ctx, trial); err != nil {
		if errors.Is(err, models.ErrSessionAborted) {
			return models.ResponseEvent{}, err
		}
		logger.Warn("%v", err)
		return models.ResponseEvent{TrialID: trial.ID, ObservedAt: o.deps.Clock.Now()}, nil
	}
	return o.await(ctx, trial)
}

// play presents the stimulus, retrying once after the backoff.
func (o *Orchestrator) play(ctx context.Context, trial models.Trial) error {
	stimulus := trial.Stimulus()
	err := o.deps.Audio.PresentStimulus(ctx, stimulus)
	if err == nil {
		return nil
	}
	if abortErr := o.checkAbort(ctx, trial); abortErr != nil {
		return abortErr
	}
	o.log.Append(models.SourceOrchestrator, models.CollaboratorFailed{TrialID: trial.ID, Attempt: 1, Error: err.Error()})

	if err := o.sleep(ctx, trial, o.config.AudioRetryBackoff); err != nil {
		return err
	}
	err = o.deps.Audio.PresentStimulus(ctx, stimulus)
	if err == nil {
		return nil
	}
	if abortErr := o.checkAbort(ctx, trial); abortErr != nil {
		return abortErr
	}
	o.log.Append(models.SourceOrchestrator, models.CollaboratorFailed{TrialID: trial.ID, Attempt: 2, Error: err.Error(), GaveUp: true})
	return fmt.Errorf("trial %d: %w: %v", trial.ID, models.ErrCollaboratorFailure, err)
}

func (o *Orchestrator) checkAbort(ctx context.Context, trial models.Trial) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("trial %d: %w: %v", trial.ID, models.ErrSessionAborted, ctx.Err())
	case <-o.abortSignal():
		return fmt.Errorf("trial %d: %w", trial.ID, models.ErrSessionAborted)
	default:
		return nil
	}
}

func (o *Orchestrator) sleep(ctx context.Context, trial models.Trial, d time.Duration) error {
	if d <= 0 {
		return o.checkAbort(ctx, trial)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("trial %d: %w: %v", trial.ID, models.ErrSessionAborted, ctx.Err())
	case <-o.abortSignal():
		return fmt.Errorf("trial %d: %w", trial.ID, models.ErrSessionAborted)
	case <-o.deps.Clock.After(d):
		return nil
	}
}

// await blocks until the trial's response, the wait window, or an abort.
// Responses for other trials are logged as spurious and dropped.
func (o *Orchestrator) await(ctx context.Context, trial models.Trial) (models.ResponseEvent, error) {
	timeout := o.deps.Clock.After(o.config.WaitWindow)
	abort := o.abortSignal()
	responses := o.deps.Responses.Responses()

	for {
		select {
		case <-ctx.Done():
			return models.ResponseEvent{}, fmt.Errorf("trial %d: %w: %v", trial.ID, models.ErrSessionAborted, ctx.Err())
		case <-abort:
			return models.ResponseEvent{}, fmt.Errorf("trial %d: %w", trial.ID, models.ErrSessionAborted)
		case ev, ok := <-responses:
			if !ok {
				return models.ResponseEvent{}, fmt.Errorf("trial %d: response source closed: %w", trial.ID, models.ErrSessionAborted)
			}
			if ev.TrialID != trial.ID {
				o.log.Append(models.SourceOrchestrator, models.SpuriousResponse{TrialID: ev.TrialID, OutstandingTrialID: trial.ID})
				logger.Debug("Discarded spurious response for trial %d while %d outstanding", ev.TrialID, trial.ID)
				continue
			}
			if ev.ObservedAt.IsZero() {
				ev.ObservedAt = o.deps.Clock.Now()
			}
			return ev, nil
		case <-timeout:
			o.log.Append(models.SourceOrchestrator, models.TrialTimedOut{
				TrialID:  trial.ID,
				WaitedMs: o.config.WaitWindow.Milliseconds(),
			})
			return models.ResponseEvent{TrialID: trial.ID, ObservedAt: o.deps.Clock.Now(), TimedOut: true}, nil
		}
	}
}

// interrupt finalizes an aborted session: the in-flight trial is marked
// aborted and every pair not yet finalized becomes NOT_TESTED.
func (o *Orchestrator) interrupt(cause error) (*models.SessionState, error) {
	if o.inFlight >= 0 {
		o.state.Trials[o.inFlight].Aborted = true
		o.log.Append(models.SourceOrchestrator, models.TrialAborted{TrialID: o.state.Trials[o.inFlight].ID})
		o.inFlight = -1
	}

	notTested := 0
	for _, p := range o.plan[o.next:] {
		if p.retest {
			continue
		}
		entry := o.state.Frequency(p.ear, p.hz)
		if entry.Status.Final() {
			continue
		}
		if entry.Status != models.StatusNotTested {
			entry.Note = interruptedNote
		}
		entry.Status = models.StatusNotTested
		entry.Threshold = nil
		entry.Confidence = nil
		notTested++
	}

	o.state.EndedAt = o.deps.Clock.Now()
	o.setStatus(models.SessionIncomplete, cause.Error())
	logger.Warn("Session %s incomplete: %d pairs not tested (%v)", o.id, notTested, cause)
	return o.finish(cause)
}

// finish validates the snapshot and hands it to the persistence and
// notification collaborators.
func (o *Orchestrator) finish(cause error) (*models.SessionState, error) {
	o.publish()
	snap := o.state.Snapshot()
	if err := snap.Validate(); err != nil {
		logger.Error("Session %s failed validation: %v", o.id, err)
		return snap, errors.Join(cause, fmt.Errorf("session %s failed validation: %w", o.id, err))
	}

	if o.deps.Persister != nil {
		if err := o.deps.Persister.SaveSession(snap); err != nil {
			logger.Error("Failed to persist session %s: %v", o.id, err)
			return snap, errors.Join(cause, fmt.Errorf("persist session %s: %w", o.id, err))
		}
		logger.Info("Session %s persisted", o.id)
	}
	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.NotifySession(snap); err != nil {
			logger.Warn("Failed to send session notification: %v", err)
		}
	}
	return snap, cause
}

func (o *Orchestrator) setStatus(to models.SessionStatus, reason string) {
	from := o.state.Status
	o.state.Status = to
	o.log.Append(models.SourceOrchestrator, models.SessionStatusChanged{
		SessionID: o.id,
		From:      from,
		To:        to,
		Reason:    reason,
	})
	o.publish()
}

func (o *Orchestrator) nextTrialID() int64 {
	o.lastTrialID++
	return o.lastTrialID
}

func (o *Orchestrator) publish() {
	o.published.Store(o.state.Snapshot())
}
