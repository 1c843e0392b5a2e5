// Package policy implements the local blocking matrix: given a danger type
// and the administrator's download restriction, decide whether a download's
// bytes may be released. Local policy can only escalate; it never downgrades
// a scanner verdict.
package policy

import (
	"fmt"
	"strings"

	"github.com/italolelis/download_gatekeeper/internal/download"
)

// Restriction is the process-wide download restriction level. It is read as
// a stable snapshot for the duration of one classification pass.
type Restriction int

const (
	RestrictNone Restriction = iota
	RestrictPotentiallyDangerousFiles
	RestrictDangerousFiles
	RestrictMaliciousFiles
	RestrictAllFiles
)

func (r Restriction) String() string {
	switch r {
	case RestrictNone:
		return "none"
	case RestrictPotentiallyDangerousFiles:
		return "potentially_dangerous_files"
	case RestrictDangerousFiles:
		return "dangerous_files"
	case RestrictMaliciousFiles:
		return "malicious_files"
	case RestrictAllFiles:
		return "all_files"
	}

	return fmt.Sprintf("restriction(%d)", int(r))
}

// ParseRestriction reads a restriction level from configuration.
func ParseRestriction(s string) (Restriction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RestrictNone, nil
	case "potentially_dangerous_files":
		return RestrictPotentiallyDangerousFiles, nil
	case "dangerous_files":
		return RestrictDangerousFiles, nil
	case "malicious_files":
		return RestrictMaliciousFiles, nil
	case "all_files":
		return RestrictAllFiles, nil
	}

	return RestrictNone, fmt.Errorf("invalid download restriction: %q", s)
}

// Source supplies the current restriction snapshot. Passed in explicitly so
// the pipeline never reaches into process-wide state.
type Source interface {
	DownloadRestriction() Restriction
}

// StaticSource is a Source with a fixed restriction, as loaded from config.
type StaticSource Restriction

func (s StaticSource) DownloadRestriction() Restriction { return Restriction(s) }

// IsAlwaysBlocked reports whether the danger type blocks regardless of the
// restriction level. These four carry user-meaningful detail and are
// surfaced as-is.
func IsAlwaysBlocked(dt download.DangerType) bool {
	return dt == download.BlockedTooLarge ||
		dt == download.BlockedPasswordProtected ||
		dt == download.SensitiveContentBlock ||
		dt == download.BlockedScanFailed
}

// ShouldBlock decides whether a download with the given danger type must be
// blocked. requireChecks is false for the browser's own trusted machinery,
// which is never blocked. fileTypeDangerous is the intrinsic
// extension/MIME-policy flag.
func ShouldBlock(dt download.DangerType, r Restriction, fileTypeDangerous, requireChecks bool) bool {
	if !requireChecks {
		return false
	}

	if IsAlwaysBlocked(dt) {
		return true
	}

	switch r {
	case RestrictNone:
		return false

	case RestrictPotentiallyDangerousFiles:
		return dt != download.NotDangerous || fileTypeDangerous

	case RestrictDangerousFiles:
		return dt == download.DangerousContent ||
			dt == download.DangerousFile ||
			dt == download.DangerousURL ||
			dt == download.DangerousAccountCompromise ||
			fileTypeDangerous

	case RestrictMaliciousFiles:
		// Strictly narrower than DangerousFiles: the intrinsic file-type
		// flag is not sufficient here.
		return dt == download.DangerousContent ||
			dt == download.DangerousHost ||
			dt == download.DangerousURL ||
			dt == download.DangerousAccountCompromise

	case RestrictAllFiles:
		return true
	}

	return false
}

// Surfaced returns the danger type to report after a block decision.
// Blocking already communicates the outcome, so anything outside the
// always-blocking set is downgraded to NotDangerous; the four
// always-blocking types keep their detail.
func Surfaced(dt download.DangerType) download.DangerType {
	if IsAlwaysBlocked(dt) {
		return dt
	}

	return download.NotDangerous
}
