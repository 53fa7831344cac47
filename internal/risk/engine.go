// Package risk scores how likely a session's results are exaggerated or
// non-organic. Assess is pure: the same input always gives the same output.
package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rewired-gh/audiometer/internal/catchtrial"
	"github.com/rewired-gh/audiometer/internal/models"
)

// Factor names.
const (
	FactorConsistency  = "threshold_consistency"
	FactorPlausibility = "cross_frequency_plausibility"
	FactorSymmetry     = "bilateral_symmetry"
	FactorTiming       = "timing_anomaly"
)

const maxScore = 100.0

// Input is everything a risk recompute reads.
type Input struct {
	Frequencies []models.PerFrequencyState
	Catch       models.CatchTrialSummary
	Reliability models.ReliabilityScore
}

type Engine struct {
	config Config
}

func New(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Engine{config: config}, nil
}

// Assess computes the weighted score, maps it to a category and applies the
// escalation floors.
func (e *Engine) Assess(in Input) models.RiskAssessment {
	c := e.config
	factors := []models.RiskFactor{
		weigh(FactorConsistency, c.ConsistencyWeight, e.consistency(in.Frequencies)),
		weigh(FactorPlausibility, c.PlausibilityWeight, e.plausibility(in.Frequencies)),
		weigh(FactorSymmetry, c.SymmetryWeight, e.symmetry(in.Frequencies)),
		weigh(FactorTiming, c.TimingWeight, e.timing(in.Reliability)),
	}

	var total float64
	for _, f := range factors {
		total += f.Weighted
	}
	total = clamp(total)

	out := models.RiskAssessment{
		Score:               total,
		BaseCategory:        e.category(total),
		ContributingFactors: factors,
	}
	out.Category = out.BaseCategory

	if catchtrial.Breached(in.Catch, c.Catch) {
		out.Category = escalate(out.Category)
		out.Escalations = append(out.Escalations, fmt.Sprintf(
			"catch-trial false-positive rate %.0f%% exceeds %.0f%% ceiling",
			in.Catch.FalsePositiveRate*100, c.Catch.FalsePositiveCeiling*100))
	}
	return out
}

func (e *Engine) category(score float64) models.RiskCategory {
	switch {
	case score >= e.config.VeryHighFrom:
		return models.RiskVeryHigh
	case score >= e.config.HighFrom:
		return models.RiskHigh
	case score >= e.config.ModerateFrom:
		return models.RiskModerate
	}
	return models.RiskLow
}

func escalate(c models.RiskCategory) models.RiskCategory {
	if c >= models.RiskVeryHigh {
		return models.RiskVeryHigh
	}
	return c + 1
}

type subScore struct {
	score  float64
	detail string
}

func weigh(name string, weight float64, s subScore) models.RiskFactor {
	score := clamp(s.score)
	return models.RiskFactor{
		Name:     name,
		Score:    score,
		Weight:   weight,
		Weighted: score * weight,
		Detail:   s.detail,
	}
}

// consistency scores the worst retest disagreement beyond the band.
func (e *Engine) consistency(freqs []models.PerFrequencyState) subScore {
	worst, where := 0.0, ""
	for _, f := range freqs {
		if f.Threshold == nil || f.RetestThreshold == nil {
			continue
		}
		diff := math.Abs(float64(*f.Threshold - *f.RetestThreshold))
		if diff > worst {
			worst, where = diff, f.Key()
		}
	}
	if worst <= e.config.RetestBandDb {
		return subScore{}
	}
	return subScore{
		score:  50 + (worst-e.config.RetestBandDb)*5,
		detail: fmt.Sprintf("retest differs by %.0f dB at %s", worst, where),
	}
}

type point struct {
	hz        int
	threshold int
}

// confirmedByEar returns confirmed thresholds per ear, sorted by frequency.
func confirmedByEar(freqs []models.PerFrequencyState) map[models.Ear][]point {
	out := make(map[models.Ear][]point)
	for _, f := range freqs {
		if f.Status != models.StatusThresholdConfirmed || f.Threshold == nil {
			continue
		}
		out[f.Ear] = append(out[f.Ear], point{hz: f.FrequencyHz, threshold: *f.Threshold})
	}
	for ear := range out {
		pts := out[ear]
		sort.Slice(pts, func(i, j int) bool { return pts[i].hz < pts[j].hz })
	}
	return out
}

// plausibility counts zig-zags: a frequency whose threshold sits more than
// ZigZagDb above or below both neighbours. A peak inside the noise notch is a
// recognised audiometric shape and is not counted.
func (e *Engine) plausibility(freqs []models.PerFrequencyState) subScore {
	var zigzags []string
	byEar := confirmedByEar(freqs)
	for _, ear := range []models.Ear{models.EarRight, models.EarLeft} {
		pts := byEar[ear]
		for i := 1; i+1 < len(pts); i++ {
			up := float64(pts[i].threshold - pts[i-1].threshold)
			down := float64(pts[i].threshold - pts[i+1].threshold)
			peak := up > e.config.ZigZagDb && down > e.config.ZigZagDb
			valley := up < -e.config.ZigZagDb && down < -e.config.ZigZagDb
			if !peak && !valley {
				continue
			}
			if peak && pts[i].hz >= e.config.NotchLowHz && pts[i].hz <= e.config.NotchHighHz {
				continue
			}
			zigzags = append(zigzags, models.PairKey(ear, pts[i].hz))
		}
	}
	if len(zigzags) == 0 {
		return subScore{}
	}
	return subScore{
		score:  float64(len(zigzags)) * e.config.ZigZagPenalty,
		detail: fmt.Sprintf("non-monotonic pattern at %v", zigzags),
	}
}

// symmetry flags both extremes of the inter-ear difference.
func (e *Engine) symmetry(freqs []models.PerFrequencyState) subScore {
	byEar := confirmedByEar(freqs)
	left := make(map[int]int)
	for _, p := range byEar[models.EarLeft] {
		left[p.hz] = p.threshold
	}

	var pairs int
	var diffSum, levelSum float64
	for _, p := range byEar[models.EarRight] {
		l, ok := left[p.hz]
		if !ok {
			continue
		}
		pairs++
		diffSum += math.Abs(float64(p.threshold - l))
		levelSum += float64(p.threshold+l) / 2
	}
	if pairs == 0 {
		return subScore{}
	}
	meanDiff := diffSum / float64(pairs)
	meanLevel := levelSum / float64(pairs)

	c := e.config
	switch {
	case meanDiff > c.AsymmetryDb:
		return subScore{
			score:  50 + (meanDiff-c.AsymmetryDb)*2.5,
			detail: fmt.Sprintf("mean inter-ear difference %.1f dB over %d frequencies", meanDiff, pairs),
		}
	case pairs >= c.TightSymmetryMinPairs && meanDiff < c.TightSymmetryDb && meanLevel > c.TightSymmetryMinThreshold:
		return subScore{
			score: 50 + 50*(1-meanDiff/c.TightSymmetryDb),
			detail: fmt.Sprintf("mean inter-ear difference %.1f dB at %.0f dB HL is tighter than natural variability",
				meanDiff, meanLevel),
		}
	}
	return subScore{}
}

func (e *Engine) timing(r models.ReliabilityScore) subScore {
	var s subScore
	var notes []string
	if r.AnticipatoryFraction > 0 {
		s.score += maxScore * r.AnticipatoryFraction / e.config.AnticipatorySaturation
		notes = append(notes, fmt.Sprintf("%.0f%% anticipatory responses", r.AnticipatoryFraction*100))
	}
	if r.UniformLatencies {
		s.score += e.config.UniformPenalty
		notes = append(notes, "abnormally uniform latencies")
	}
	if r.FatigueDetected {
		s.score += e.config.FatiguePenalty
		notes = append(notes, fmt.Sprintf("latencies %.0f%% above baseline", r.FatigueTrendMagnitude*100))
	}
	if len(notes) > 0 {
		s.detail = strings.Join(notes, "; ")
	}
	return s
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(maxScore, v))
}
