// Package replay re-runs a stored session against its recorded responses and
// reports where the outcome diverges from what was stored.
package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rewired-gh/audiometer/internal/logger"
	"github.com/rewired-gh/audiometer/internal/models"
	"github.com/rewired-gh/audiometer/internal/orchestrator"
	"github.com/rewired-gh/audiometer/internal/patient"
)

// Result of a replay.
type Result struct {
	Replayed *models.SessionState
	// Missing lists trials presented during the replay that had no recorded
	// response.
	Missing []int64
	Diffs   []string
}

// Matches reports whether the replay reproduced the stored session.
func (r *Result) Matches() bool {
	return len(r.Diffs) == 0 && len(r.Missing) == 0
}

// Run replays stored with the given configuration, which must be the one the
// session was recorded with. Operator aborts are replayed at the same trials,
// followed by a resume whenever the stored session went on afterwards.
func Run(ctx context.Context, cfg orchestrator.Config, stored *models.SessionState) (*Result, error) {
	cfg.SessionID = stored.ID
	cfg.Seed = stored.Seed

	script := patient.NewScripted(stored.Responses)
	o, err := orchestrator.New(cfg, orchestrator.Deps{Audio: script, Responses: script})
	if err != nil {
		return nil, err
	}

	aborted := abortedTrials(stored)
	script.AbortOn(aborted, o.Abort)

	snap, err := o.Run(ctx)
	for resumes := 0; errors.Is(err, models.ErrSessionAborted) && resumes < len(aborted); resumes++ {
		if !continuedAfter(stored, aborted[resumes]) {
			break
		}
		logger.Debug("Replay of %s resuming after aborted trial %d", stored.ID, aborted[resumes])
		snap, err = o.Resume(ctx)
	}
	if err != nil && !errors.Is(err, models.ErrSessionAborted) {
		return nil, fmt.Errorf("replay of %s failed: %w", stored.ID, err)
	}

	res := &Result{
		Replayed: snap,
		Missing:  script.Missing(),
		Diffs:    Diff(stored, snap),
	}
	if res.Matches() {
		logger.Info("Replay of %s reproduced %d trials", stored.ID, len(snap.Trials))
	} else {
		logger.Warn("Replay of %s diverged: %d differences, %d missing responses", stored.ID, len(res.Diffs), len(res.Missing))
	}
	return res, nil
}

func abortedTrials(s *models.SessionState) []int64 {
	var ids []int64
	for _, t := range s.Trials {
		if t.Aborted {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func continuedAfter(s *models.SessionState, trialID int64) bool {
	return len(s.Trials) > 0 && s.Trials[len(s.Trials)-1].ID > trialID
}

// Diff lists the clinically relevant differences between two sessions:
// status, trial sequence, per-pair outcomes, catch summary and risk history.
func Diff(want, got *models.SessionState) []string {
	var diffs []string
	add := func(format string, args ...any) {
		diffs = append(diffs, fmt.Sprintf(format, args...))
	}

	if want.Status != got.Status {
		add("status: stored %s, replayed %s", want.Status, got.Status)
	}

	if len(want.Trials) != len(got.Trials) {
		add("trials: stored %d, replayed %d", len(want.Trials), len(got.Trials))
	}
	for i := 0; i < min(len(want.Trials), len(got.Trials)); i++ {
		w, g := want.Trials[i], got.Trials[i]
		if w.ID != g.ID || w.Ear != g.Ear || w.FrequencyHz != g.FrequencyHz ||
			w.LevelDbHL != g.LevelDbHL || w.Kind != g.Kind || w.Aborted != g.Aborted {
			add("trial %d: stored %s %s %d Hz %d dB, replayed %s %s %d Hz %d dB",
				w.ID, w.Kind, w.Ear, w.FrequencyHz, w.LevelDbHL, g.Kind, g.Ear, g.FrequencyHz, g.LevelDbHL)
			break
		}
	}

	for _, w := range want.Frequencies {
		g := got.Frequency(w.Ear, w.FrequencyHz)
		if g == nil {
			add("%s: missing from replay", w.Key())
			continue
		}
		if w.Status != g.Status {
			add("%s status: stored %s, replayed %s", w.Key(), w.Status, g.Status)
		}
		if !equalInt(w.Threshold, g.Threshold) {
			add("%s threshold: stored %s, replayed %s", w.Key(), fmtInt(w.Threshold), fmtInt(g.Threshold))
		}
		if !equalInt(w.RetestThreshold, g.RetestThreshold) {
			add("%s retest: stored %s, replayed %s", w.Key(), fmtInt(w.RetestThreshold), fmtInt(g.RetestThreshold))
		}
	}

	if want.CatchSummary != got.CatchSummary {
		add("catch summary: stored %+v, replayed %+v", want.CatchSummary, got.CatchSummary)
	}

	if len(want.RiskHistory) != len(got.RiskHistory) {
		add("risk assessments: stored %d, replayed %d", len(want.RiskHistory), len(got.RiskHistory))
	}
	for i := 0; i < min(len(want.RiskHistory), len(got.RiskHistory)); i++ {
		w, g := want.RiskHistory[i], got.RiskHistory[i]
		if w.Score != g.Score || w.Category != g.Category {
			add("risk after %d pairs: stored %s %.2f, replayed %s %.2f", w.AfterPairs, w.Category, w.Score, g.Category, g.Score)
		}
	}
	return diffs
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func fmtInt(v *int) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *v)
}
