// Package explain turns structured decision records into clinician-readable
// rationale. It never touches session state.
package explain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rewired-gh/audiometer/internal/models"
)

var ErrUnknownPayload = errors.New("no rationale template for payload")

// Explainer renders decision log entries. The zero value is ready to use.
type Explainer struct{}

func New() *Explainer {
	return &Explainer{}
}

// Render returns the rationale for one entry.
func (e *Explainer) Render(entry models.DecisionLogEntry) (string, error) {
	switch p := entry.Payload.(type) {
	case models.TrialPresented:
		return trialPresented(p), nil
	case models.ResponseRecorded:
		return responseRecorded(p), nil
	case models.LevelChanged:
		return levelChanged(p), nil
	case models.ReversalCounted:
		return reversalCounted(p), nil
	case models.StatusChanged:
		return fmt.Sprintf("%s moved from %s to %s: %s.", pair(p.Ear, p.FrequencyHz), p.From, p.To, p.Reason), nil
	case models.ThresholdConfirmed:
		return thresholdConfirmed(p), nil
	case models.FrequencyAbandoned:
		return fmt.Sprintf("%s abandoned after %d trials (last level %d dB HL): %s. Threshold undetermined, follow-up required.",
			pair(p.Ear, p.FrequencyHz), p.Trials, p.LastLevel, p.Reason), nil
	case models.CatchTrialScored:
		return catchTrialScored(p), nil
	case models.ProbeScored:
		return probeScored(p), nil
	case models.FatigueFlagged:
		return fmt.Sprintf("Possible fatigue: recent valid latencies average %.0f ms, %.0f%% above the %.0f ms baseline.",
			p.MovingAverageMs, p.Magnitude*100, p.BaselineMs), nil
	case models.RiskAssessed:
		return riskAssessed(p.Assessment), nil
	case models.SpuriousResponse:
		if p.OutstandingTrialID == 0 {
			return fmt.Sprintf("Ignored a response for trial %d while no trial was outstanding.", p.TrialID), nil
		}
		return fmt.Sprintf("Ignored a response for trial %d while trial %d was outstanding.", p.TrialID, p.OutstandingTrialID), nil
	case models.TrialTimedOut:
		return fmt.Sprintf("No response to trial %d within %d ms; scored as no response.", p.TrialID, p.WaitedMs), nil
	case models.CollaboratorFailed:
		if p.GaveUp {
			return fmt.Sprintf("Audio playback failed again for trial %d (%s); scored as no response.", p.TrialID, p.Error), nil
		}
		return fmt.Sprintf("Audio playback failed for trial %d on attempt %d (%s); retrying.", p.TrialID, p.Attempt, p.Error), nil
	case models.Familiarization:
		if p.Acknowledged {
			return fmt.Sprintf("Patient acknowledged the familiarization tone at %d dB HL (attempt %d).", p.LevelDbHL, p.Attempt), nil
		}
		return fmt.Sprintf("Familiarization tone at %d dB HL not acknowledged (attempt %d).", p.LevelDbHL, p.Attempt), nil
	case models.SessionStatusChanged:
		text := fmt.Sprintf("Session %s is now %s", p.SessionID, p.To)
		if p.Reason != "" {
			text += ": " + p.Reason
		}
		return text + ".", nil
	case models.TrialAborted:
		return fmt.Sprintf("Trial %d aborted by the operator; no response recorded.", p.TrialID), nil
	case models.RawPayload:
		return e.rawPayload(p)
	}
	return "", fmt.Errorf("%s: %w", entry.Kind, ErrUnknownPayload)
}

func pair(ear models.Ear, hz int) string {
	return fmt.Sprintf("%s ear %d Hz", capitalize(string(ear)), hz)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func trialPresented(p models.TrialPresented) string {
	switch p.TrialKind {
	case models.TrialCatch:
		return fmt.Sprintf("Catch trial %d: silence presented to the %s ear with the %d Hz timing profile.", p.TrialID, p.Ear, p.FrequencyHz)
	case models.TrialFamiliarization:
		return fmt.Sprintf("Familiarization tone %d at %d dB HL.", p.TrialID, p.LevelDbHL)
	case models.TrialProbe:
		return fmt.Sprintf("Probe trial %d: %s at %d dB HL, above the confirmed threshold.", p.TrialID, pair(p.Ear, p.FrequencyHz), p.LevelDbHL)
	}
	return fmt.Sprintf("Trial %d: %s at %d dB HL.", p.TrialID, pair(p.Ear, p.FrequencyHz), p.LevelDbHL)
}

func responseRecorded(p models.ResponseRecorded) string {
	if !p.Responded {
		return fmt.Sprintf("No response to trial %d.", p.TrialID)
	}
	text := fmt.Sprintf("Response to trial %d after %.0f ms (%s).", p.TrialID, p.LatencyMs, strings.ReplaceAll(p.LatencyClass, "_", " "))
	if p.BeyondCeiling {
		if p.TreatedAsNoResponse {
			text += " Beyond the latency ceiling; scored as no response."
		} else {
			text += " Beyond the latency ceiling."
		}
	}
	return text
}

func levelChanged(p models.LevelChanged) string {
	outcome := "no response"
	if p.Responded {
		outcome = "a response"
	}
	where := pair(p.Ear, p.FrequencyHz)
	var text string
	switch {
	case p.ToLevel > p.FromLevel:
		text = fmt.Sprintf("Raised %s from %d to %d dB HL after %s", where, p.FromLevel, p.ToLevel, outcome)
	case p.ToLevel < p.FromLevel:
		text = fmt.Sprintf("Lowered %s from %d to %d dB HL after %s", where, p.FromLevel, p.ToLevel, outcome)
	default:
		text = fmt.Sprintf("Kept %s at %d dB HL after %s", where, p.ToLevel, outcome)
	}
	if p.Clamped {
		text += ", limited by the output range"
	}
	if p.DirectionChanged {
		text += fmt.Sprintf("; now %s", p.Direction)
	}
	return text + "."
}

func reversalCounted(p models.ReversalCounted) string {
	outcome := "no response"
	if p.Responded {
		outcome = "a response"
	}
	return fmt.Sprintf("Reversal %d of %d at %s, %d dB HL (%s).",
		p.Number, p.Required, pair(p.Ear, p.FrequencyHz), p.LevelDbHL, outcome)
}

func thresholdConfirmed(p models.ThresholdConfirmed) string {
	label := "Threshold"
	if p.Retest {
		label = "Retest threshold"
	}
	return fmt.Sprintf("%s for %s confirmed at %d dB HL after %d reversals in %d trials (rule %s, confidence %.2f).",
		label, pair(p.Ear, p.FrequencyHz), p.ThresholdDbHL, p.Reversals, p.Trials, p.Rule, p.Confidence)
}

func catchTrialScored(p models.CatchTrialScored) string {
	outcome := "correctly ignored"
	if p.Responded {
		outcome = "answered (false positive)"
	}
	text := fmt.Sprintf("Catch trial %d %s; false-positive rate %d/%d (%.0f%%).",
		p.TrialID, outcome, p.FalsePositives, p.Presented, p.Rate*100)
	if p.CeilingBreached {
		text += " Above the reliability ceiling."
	}
	return text
}

func probeScored(p models.ProbeScored) string {
	outcome := "heard"
	if !p.Responded {
		outcome = "missed"
	}
	return fmt.Sprintf("Probe %d at %s, %d dB HL %s; %d of %d probes missed.",
		p.TrialID, pair(p.Ear, p.FrequencyHz), p.LevelDbHL, outcome, p.Misses, p.Presented)
}

func riskAssessed(a models.RiskAssessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Malingering risk %s (score %.1f)", a.Category, a.Score)
	if a.Ear != "" {
		fmt.Fprintf(&b, " after %s", pair(a.Ear, a.FrequencyHz))
	}
	var parts []string
	for _, f := range a.ContributingFactors {
		if f.Score == 0 {
			continue
		}
		part := fmt.Sprintf("%s %.0f", strings.ReplaceAll(f.Name, "_", " "), f.Score)
		if f.Detail != "" {
			part += " (" + f.Detail + ")"
		}
		parts = append(parts, part)
	}
	if len(parts) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, "; "))
	}
	if a.Category != a.BaseCategory {
		fmt.Fprintf(&b, ". Escalated from %s: %s", a.BaseCategory, strings.Join(a.Escalations, "; "))
	}
	b.WriteString(".")
	return b.String()
}

// rawPayload decodes a stored payload back into its typed form when the kind
// is known, so reloaded sessions read the same as live ones.
func (e *Explainer) rawPayload(p models.RawPayload) (string, error) {
	typed, err := models.DecodePayload(p.DecisionKind, p.Data)
	if err != nil {
		return "", err
	}
	if _, still := typed.(models.RawPayload); still {
		return "", fmt.Errorf("%s: %w", p.DecisionKind, ErrUnknownPayload)
	}
	return e.Render(models.DecisionLogEntry{Kind: p.DecisionKind, Payload: typed})
}
