// Package faults holds the error taxonomy shared by the turn pipeline.
//
// ConfigError and FormatLeakError are synchronous and must be handled before a
// reply is shown. ClaimExtractionFault and CacheFault originate in fact
// verification and never reach the reply path.
package faults

import (
	"errors"
	"fmt"
)

// ConfigError reports a reference to an unknown workflow, policy or version,
// or a configuration file that violates an invariant.
type ConfigError struct {
	Kind   string
	Name   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("config error: %s %q: %s", e.Kind, e.Name, e.Reason)
	}
	return fmt.Sprintf("config error: unknown %s %q", e.Kind, e.Name)
}

// FormatLeakError means sanitization left no user-visible text. The caller
// substitutes its own clarification prompt.
type FormatLeakError struct {
	Removed int
}

func (e *FormatLeakError) Error() string {
	return fmt.Sprintf("format leak: no conversational text left after removing %d artifact(s)", e.Removed)
}

// ClaimExtractionFault is contained per claim; the claim is downgraded to
// UNVERIFIED and the batch continues.
type ClaimExtractionFault struct {
	ClaimText string
	Cause     error
}

func (e *ClaimExtractionFault) Error() string {
	return fmt.Sprintf("claim extraction fault on %q: %v", e.ClaimText, e.Cause)
}

func (e *ClaimExtractionFault) Unwrap() error { return e.Cause }

// CacheFault means a cache tier is unavailable. Verification proceeds uncached.
type CacheFault struct {
	Tier string
	Op   string
	Err  error
}

func (e *CacheFault) Error() string {
	return fmt.Sprintf("cache fault (%s %s): %v", e.Tier, e.Op, e.Err)
}

func (e *CacheFault) Unwrap() error { return e.Err }

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

func IsFormatLeak(err error) bool {
	var target *FormatLeakError
	return errors.As(err, &target)
}

func IsCacheFault(err error) bool {
	var target *CacheFault
	return errors.As(err, &target)
}
