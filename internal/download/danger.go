package download

import "fmt"

// DangerType is the canonical, policy-facing label for a download's assessed
// risk. Provisional values (the scanning and prompt states, plus
// MaybeDangerousContent) may still be superseded; everything else is
// terminal.
type DangerType string

const (
	NotDangerous                   DangerType = "not_dangerous"
	MaybeDangerousContent          DangerType = "maybe_dangerous_content"
	DangerousContent               DangerType = "dangerous_content"
	DangerousFile                  DangerType = "dangerous_file"
	UncommonContent                DangerType = "uncommon_content"
	DangerousHost                  DangerType = "dangerous_host"
	DangerousURL                   DangerType = "dangerous_url"
	PotentiallyUnwanted            DangerType = "potentially_unwanted"
	AllowlistedByPolicy            DangerType = "allowlisted_by_policy"
	AsyncScanning                  DangerType = "async_scanning"
	AsyncLocalPasswordScanning     DangerType = "async_local_password_scanning"
	PromptForScanning              DangerType = "prompt_for_scanning"
	PromptForLocalPasswordScanning DangerType = "prompt_for_local_password_scanning"
	BlockedPasswordProtected       DangerType = "blocked_password_protected"
	BlockedTooLarge                DangerType = "blocked_too_large"
	SensitiveContentWarning        DangerType = "sensitive_content_warning"
	SensitiveContentBlock          DangerType = "sensitive_content_block"
	BlockedScanFailed              DangerType = "blocked_scan_failed"
	DeepScannedSafe                DangerType = "deep_scanned_safe"
	DeepScannedFailed              DangerType = "deep_scanned_failed"
	DeepScannedOpenedDangerous     DangerType = "deep_scanned_opened_dangerous"
	DangerousAccountCompromise     DangerType = "dangerous_account_compromise"
	UserValidated                  DangerType = "user_validated"
)

// IsEphemeralWarning reports whether the danger type is a warning the user
// can ignore indefinitely and therefore carries a bounded lifetime before
// auto-cancellation.
func (d DangerType) IsEphemeralWarning() bool {
	switch d {
	case SensitiveContentWarning, PromptForScanning,
		PromptForLocalPasswordScanning, UncommonContent:
		return true
	}

	return false
}

// Verdict is a single classification outcome delivered by the scanner for
// one download, synchronously or via the async callback. It is consumed
// exactly once and never retained.
type Verdict string

const (
	VerdictUnknown                        Verdict = "unknown"
	VerdictSafe                           Verdict = "safe"
	VerdictDangerous                      Verdict = "dangerous"
	VerdictUncommon                       Verdict = "uncommon"
	VerdictDangerousHost                  Verdict = "dangerous_host"
	VerdictPotentiallyUnwanted            Verdict = "potentially_unwanted"
	VerdictAllowlistedByPolicy            Verdict = "allowlisted_by_policy"
	VerdictAsyncScanning                  Verdict = "async_scanning"
	VerdictAsyncLocalPasswordScanning     Verdict = "async_local_password_scanning"
	VerdictBlockedPasswordProtected       Verdict = "blocked_password_protected"
	VerdictBlockedTooLarge                Verdict = "blocked_too_large"
	VerdictSensitiveContentWarning        Verdict = "sensitive_content_warning"
	VerdictSensitiveContentBlock          Verdict = "sensitive_content_block"
	VerdictDeepScannedSafe                Verdict = "deep_scanned_safe"
	VerdictDeepScannedFailed              Verdict = "deep_scanned_failed"
	VerdictPromptForScanning              Verdict = "prompt_for_scanning"
	VerdictPromptForLocalPasswordScanning Verdict = "prompt_for_local_password_scanning"
	VerdictDangerousAccountCompromise     Verdict = "dangerous_account_compromise"
	VerdictBlockedScanFailed              Verdict = "blocked_scan_failed"
	VerdictImmediateDeepScan              Verdict = "immediate_deep_scan"
)

// ParseVerdict validates a verdict string from the wire.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(s); v {
	case VerdictUnknown, VerdictSafe, VerdictDangerous, VerdictUncommon,
		VerdictDangerousHost, VerdictPotentiallyUnwanted,
		VerdictAllowlistedByPolicy, VerdictAsyncScanning,
		VerdictAsyncLocalPasswordScanning, VerdictBlockedPasswordProtected,
		VerdictBlockedTooLarge, VerdictSensitiveContentWarning,
		VerdictSensitiveContentBlock, VerdictDeepScannedSafe,
		VerdictDeepScannedFailed, VerdictPromptForScanning,
		VerdictPromptForLocalPasswordScanning,
		VerdictDangerousAccountCompromise, VerdictBlockedScanFailed,
		VerdictImmediateDeepScan:
		return v, nil
	default:
		return "", fmt.Errorf("unknown verdict %q", s)
	}
}

// Outcome is the result of translating one verdict.
type Outcome struct {
	// DangerType to apply. Meaningless when RequestDeepScan is set.
	DangerType DangerType

	// PendingScan means a more specific verdict is still expected; the
	// completion waiter must not be released yet.
	PendingScan bool

	// RequestDeepScan means the verdict maps to no transition at all:
	// a fresh deep-scan request must be dispatched instead, and the caller
	// must neither update the danger type nor touch the waiter. The scan
	// itself will announce async_scanning when it starts.
	RequestDeepScan bool
}

// ClassifyVerdict maps a scanner verdict onto a danger type, given the
// file's intrinsic danger level. A benign verdict never downgrades a
// dangerous file type.
func ClassifyVerdict(v Verdict, level FileDangerLevel) Outcome {
	switch v {
	case VerdictUnknown, VerdictSafe:
		if level == FileTypeDangerous {
			return Outcome{DangerType: DangerousFile}
		}

		return Outcome{DangerType: NotDangerous}
	case VerdictDangerous:
		return Outcome{DangerType: DangerousContent}
	case VerdictUncommon:
		return Outcome{DangerType: UncommonContent}
	case VerdictDangerousHost:
		return Outcome{DangerType: DangerousHost}
	case VerdictPotentiallyUnwanted:
		return Outcome{DangerType: PotentiallyUnwanted}
	case VerdictAllowlistedByPolicy:
		return Outcome{DangerType: AllowlistedByPolicy}
	case VerdictAsyncScanning:
		return Outcome{DangerType: AsyncScanning, PendingScan: true}
	case VerdictAsyncLocalPasswordScanning:
		return Outcome{DangerType: AsyncLocalPasswordScanning, PendingScan: true}
	case VerdictBlockedPasswordProtected:
		return Outcome{DangerType: BlockedPasswordProtected}
	case VerdictBlockedTooLarge:
		return Outcome{DangerType: BlockedTooLarge}
	case VerdictSensitiveContentWarning:
		return Outcome{DangerType: SensitiveContentWarning}
	case VerdictSensitiveContentBlock:
		return Outcome{DangerType: SensitiveContentBlock}
	case VerdictDeepScannedSafe:
		return Outcome{DangerType: DeepScannedSafe}
	case VerdictDeepScannedFailed:
		return Outcome{DangerType: DeepScannedFailed}
	case VerdictPromptForScanning:
		return Outcome{DangerType: PromptForScanning, PendingScan: true}
	case VerdictPromptForLocalPasswordScanning:
		return Outcome{DangerType: PromptForLocalPasswordScanning, PendingScan: true}
	case VerdictDangerousAccountCompromise:
		return Outcome{DangerType: DangerousAccountCompromise}
	case VerdictBlockedScanFailed:
		return Outcome{DangerType: BlockedScanFailed}
	case VerdictImmediateDeepScan:
		return Outcome{RequestDeepScan: true}
	}

	// Unrecognized verdicts were rejected at the wire boundary; treat a
	// stray one as unknown content.
	return ClassifyVerdict(VerdictUnknown, level)
}
