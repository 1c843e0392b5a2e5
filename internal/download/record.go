package download

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a download as reported by the host
// download manager.
type State string

const (
	StateInProgress  State = "in_progress"
	StateComplete    State = "complete"
	StateCancelled   State = "cancelled"
	StateInterrupted State = "interrupted"
)

// InterruptReason explains why a download was terminated before its bytes
// were released. A blocked download always carries a reason code so it never
// looks like a silent file disappearance.
type InterruptReason string

const (
	InterruptNone        InterruptReason = ""
	InterruptFileBlocked InterruptReason = "file_blocked"
)

// FileDangerLevel is the intrinsic danger of a file type (by extension/MIME
// policy), independent of any scan verdict.
type FileDangerLevel string

const (
	FileTypeNotDangerous       FileDangerLevel = "not_dangerous"
	FileTypeAllowOnUserGesture FileDangerLevel = "allow_on_user_gesture"
	FileTypeDangerous          FileDangerLevel = "dangerous"
)

// Record is the pipeline's view of one download. The host download manager
// owns the bytes; the pipeline owns the admission decision. Records are
// looked up by numeric id on the hot path and by GUID from delayed tasks,
// and a lookup miss is a normal race, not an error.
type Record struct {
	ID   uint32 `json:"id"`
	GUID string `json:"guid"`

	State           State           `json:"state"`
	DangerType      DangerType      `json:"danger_type"`
	InterruptReason InterruptReason `json:"interrupt_reason,omitempty"`
	FileDangerLevel FileDangerLevel `json:"file_danger_level"`

	SourceURL  string `json:"source_url,omitempty"`
	TargetPath string `json:"target_path"`
	TotalBytes int64  `json:"total_bytes"`

	IsTransient         bool `json:"is_transient"`
	RequireSafetyChecks bool `json:"require_safety_checks"`
	IsSavePackage       bool `json:"is_save_package"`
	FromTrustedSource   bool `json:"from_trusted_source"`

	// OpenedWhileScanning is set when the user opened the file before an
	// async verdict arrived. It changes how a later non-benign verdict is
	// surfaced and triggers a bypass report.
	OpenedWhileScanning bool `json:"opened_while_scanning"`

	// Obfuscated marks a payload that must be rewritten in place before the
	// completion callback may run. Cleared once deobfuscation has started so
	// it runs at most once.
	Obfuscated bool `json:"obfuscated"`

	// BlockReported guards the once-per-download blocked report.
	BlockReported bool `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// NewRecord builds a record with a fresh GUID and the defaults a newly
// accepted target carries.
func NewRecord(id uint32) *Record {
	return &Record{
		ID:         id,
		GUID:       uuid.New().String(),
		State:      StateInProgress,
		DangerType: NotDangerous,
		CreatedAt:  time.Now(),
	}
}

// AcceptsVerdicts reports whether a verdict may still change this record's
// danger type. Once the type is terminal, later verdicts are no-ops.
func (r *Record) AcceptsVerdicts() bool {
	switch r.DangerType {
	case NotDangerous, MaybeDangerousContent,
		AsyncScanning, AsyncLocalPasswordScanning,
		PromptForScanning, PromptForLocalPasswordScanning:
		return true
	}

	return false
}

// IsActivelyScanning reports whether the record is in an async-scanning
// state. A completed download in this state can still receive verdicts.
func (r *Record) IsActivelyScanning() bool {
	return r.DangerType == AsyncScanning || r.DangerType == AsyncLocalPasswordScanning
}

// OnContentCheckCompleted applies a settled content-check outcome.
func (r *Record) OnContentCheckCompleted(dt DangerType, reason InterruptReason) {
	r.DangerType = dt
	r.InterruptReason = reason

	if reason == InterruptFileBlocked {
		r.State = StateInterrupted
	}
}
