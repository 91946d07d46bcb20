// Package factcheck verifies the factual claims of sanitized replies against
// a universe snapshot on a bounded worker pool, off the reply path.
package factcheck

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Kind string

const (
	KindMetric   Kind = "metric"
	KindCustomer Kind = "customer"
	KindTimeline Kind = "timeline"
	KindGeneral  Kind = "general"
)

type Verification string

const (
	Verified   Verification = "VERIFIED"
	Incorrect  Verification = "INCORRECT"
	Unverified Verification = "UNVERIFIED"
)

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Claim is one checkable assertion. Text is always an exact substring of the
// reply at [Start, End).
type Claim struct {
	Text         string       `json:"text"`
	Kind         Kind         `json:"kind"`
	Start        int          `json:"start"`
	End          int          `json:"end"`
	Subject      string       `json:"subject,omitempty"`
	Claimed      string       `json:"claimed,omitempty"`
	Expected     string       `json:"expected_value,omitempty"`
	DeviationPct float64      `json:"deviation_percent,omitempty"`
	Verification Verification `json:"verification"`
	Fabricated   bool         `json:"fabricated,omitempty"`
}

// Issue is produced only for INCORRECT claims. Expected is the snapshot value,
// Actual is what the reply stated.
type Issue struct {
	Severity Severity `json:"severity"`
	Claim    string   `json:"claim"`
	Expected string   `json:"expected"`
	Actual   string   `json:"actual"`
}

type Status string

const (
	StatusResolved Status = "resolved"
	// StatusDegraded reports were produced under backpressure without matching;
	// every claim is UNVERIFIED and the report is never cached.
	StatusDegraded Status = "degraded"
)

type Report struct {
	CacheKey        string    `json:"cache_key"`
	SnapshotVersion string    `json:"snapshot_version"`
	Status          Status    `json:"status"`
	Claims          []Claim   `json:"claims"`
	Issues          []Issue   `json:"issues"`
	Faults          int       `json:"faults,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (r *Report) Count(v Verification) int {
	n := 0
	for _, c := range r.Claims {
		if c.Verification == v {
			n++
		}
	}
	return n
}

// CacheKey identifies a report by reply text and snapshot version.
func CacheKey(reply, snapshotVersion string) string {
	h := sha256.New()
	h.Write([]byte(reply))
	h.Write([]byte{0})
	h.Write([]byte(snapshotVersion))
	return hex.EncodeToString(h.Sum(nil))
}
