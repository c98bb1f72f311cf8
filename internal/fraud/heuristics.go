package fraud

import (
	"sort"
	"time"

	"inkwell/internal/config"
)

// Heuristic is one independent signal. Check returns details when the
// signal fires.
type Heuristic struct {
	Type  FlagType
	Check func(cfg config.Fraud, h *History) (map[string]interface{}, bool)
}

// DefaultSignals are the base heuristics. The composite pattern is derived
// from whichever of these fire.
var DefaultSignals = []Heuristic{
	{Type: FlagRapidCancel, Check: rapidCancel},
	{Type: FlagHighVolumeSubs, Check: highVolume},
	{Type: FlagExcessiveRefunds, Check: excessiveRefunds},
}

// Evaluate runs signals over one user's history and appends a
// suspicious_pattern finding when enough signals fire or payment velocity
// is abnormal.
func Evaluate(cfg config.Fraud, h *History, signals []Heuristic) []Finding {
	var findings []Finding
	var fired []string
	for _, s := range signals {
		details, ok := s.Check(cfg, h)
		if !ok {
			continue
		}
		findings = append(findings, Finding{UserID: h.UserID, FlagType: s.Type, Details: details})
		fired = append(fired, string(s.Type))
	}

	velocity := maxInWindow(succeededTimes(h), cfg.VelocityWindow)
	compositeHit := cfg.CompositeMinSignals > 0 && len(fired) >= cfg.CompositeMinSignals
	velocityHit := cfg.VelocityMax > 0 && velocity >= cfg.VelocityMax
	if compositeHit || velocityHit {
		findings = append(findings, Finding{
			UserID:   h.UserID,
			FlagType: FlagSuspiciousPattern,
			Details: map[string]interface{}{
				"signals":         fired,
				"max_velocity":    velocity,
				"velocity_window": cfg.VelocityWindow.String(),
			},
		})
	}
	return findings
}

func rapidCancel(cfg config.Fraud, h *History) (map[string]interface{}, bool) {
	count := 0
	for _, s := range h.Subscriptions {
		if s.CanceledAt != nil && s.CanceledAt.Sub(s.CreatedAt) <= cfg.RapidCancelWithin {
			count++
		}
	}
	if count < cfg.RapidCancelMinCount {
		return nil, false
	}
	return map[string]interface{}{
		"rapid_cancels": count,
		"within":        cfg.RapidCancelWithin.String(),
	}, true
}

func highVolume(cfg config.Fraud, h *History) (map[string]interface{}, bool) {
	times := make([]time.Time, 0, len(h.Subscriptions))
	for _, s := range h.Subscriptions {
		times = append(times, s.CreatedAt)
	}
	peak := maxInWindow(times, cfg.HighVolumeWindow)
	if peak <= cfg.HighVolumeMax {
		return nil, false
	}
	return map[string]interface{}{
		"subscriptions": peak,
		"window":        cfg.HighVolumeWindow.String(),
	}, true
}

// excessiveRefunds compares refunded payments with every payment that ever
// succeeded, since a refunded original no longer reads as succeeded.
func excessiveRefunds(cfg config.Fraud, h *History) (map[string]interface{}, bool) {
	var refunded, succeeded int
	for _, p := range h.Payments {
		switch p.Status {
		case "refunded":
			refunded++
			succeeded++
		case "succeeded":
			succeeded++
		}
	}
	if succeeded == 0 || refunded < cfg.RefundMinCount {
		return nil, false
	}
	ratio := float64(refunded) / float64(succeeded)
	if ratio <= cfg.RefundRatio {
		return nil, false
	}
	return map[string]interface{}{
		"refunded":  refunded,
		"succeeded": succeeded,
		"ratio":     ratio,
	}, true
}

func succeededTimes(h *History) []time.Time {
	var out []time.Time
	for _, p := range h.Payments {
		if p.Status == "succeeded" || p.Status == "refunded" {
			out = append(out, p.CreatedAt)
		}
	}
	return out
}

// maxInWindow returns the largest number of instants inside any window of
// the given width.
func maxInWindow(times []time.Time, window time.Duration) int {
	if len(times) == 0 {
		return 0
	}
	sorted := append([]time.Time(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	best, lo := 0, 0
	for hi := range sorted {
		for sorted[hi].Sub(sorted[lo]) > window {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best = n
		}
	}
	return best
}
