package factcheck

import "math"

type Thresholds struct {
	// MinorVariationPercent is the tolerance for VERIFIED.
	MinorVariationPercent float64
	// MajorErrorPercent is the deviation beyond which a claim is INCORRECT.
	MajorErrorPercent float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinorVariationPercent: 10, MajorErrorPercent: 25}
}

func (t Thresholds) normalized() Thresholds {
	d := DefaultThresholds()
	if t.MinorVariationPercent <= 0 {
		t.MinorVariationPercent = d.MinorVariationPercent
	}
	if t.MajorErrorPercent < t.MinorVariationPercent {
		t.MajorErrorPercent = math.Max(d.MajorErrorPercent, t.MinorVariationPercent)
	}
	return t
}

// Classify maps a deviation percentage to a verification. Deviations between
// the two thresholds are too close to call and stay UNVERIFIED.
func (t Thresholds) Classify(deviationPct float64) Verification {
	switch {
	case deviationPct <= t.MinorVariationPercent:
		return Verified
	case deviationPct > t.MajorErrorPercent:
		return Incorrect
	default:
		return Unverified
	}
}

// Severity grades an INCORRECT numeric claim by magnitude only: up to twice
// the major threshold is minor, up to four times is major, beyond is critical.
func (t Thresholds) Severity(deviationPct float64) Severity {
	switch {
	case deviationPct <= 2*t.MajorErrorPercent:
		return SeverityMinor
	case deviationPct <= 4*t.MajorErrorPercent:
		return SeverityMajor
	default:
		return SeverityCritical
	}
}

// TimelineSeverity grades a wrong date by how many days it is off.
func TimelineSeverity(days int) Severity {
	if days < 0 {
		days = -days
	}
	switch {
	case days <= 3:
		return SeverityMinor
	case days <= 30:
		return SeverityMajor
	default:
		return SeverityCritical
	}
}

// Deviation is |claimed-expected| as a percentage of expected.
func Deviation(claimed, expected float64) float64 {
	if expected == 0 {
		if claimed == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(claimed-expected) / math.Abs(expected) * 100
}
