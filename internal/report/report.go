// Package report delivers structured admission events to external sinks.
// Reporting is fire-and-forget from the pipeline's point of view: a failed
// report is logged, never propagated into the admission decision.
package report

import (
	"context"
	"time"

	"github.com/italolelis/download_gatekeeper/internal/download"
)

// Kind enumerates the events the pipeline emits.
type Kind string

const (
	KindBlocked           Kind = "dangerous_download_blocked"
	KindOpened            Kind = "download_opened"
	KindCanceled          Kind = "download_canceled"
	KindCanceledByTimeout Kind = "download_canceled_by_timeout"
	KindBypass            Kind = "bypass"
)

// Event is one structured admission event.
type Event struct {
	Kind       Kind                `json:"kind"`
	DownloadID uint32              `json:"download_id"`
	GUID       string              `json:"guid"`
	TargetPath string              `json:"target_path,omitempty"`
	DangerType download.DangerType `json:"danger_type,omitempty"`
	// Verdict preserves the scanner's original answer when local policy
	// overrides it for surfacing; the verdict itself is never rewritten.
	Verdict     download.Verdict `json:"verdict,omitempty"`
	Restriction string           `json:"restriction,omitempty"`
	At          time.Time        `json:"at"`
}

// Reporter is the sink contract. No return value is consumed by the
// pipeline beyond logging.
type Reporter interface {
	Report(ctx context.Context, ev Event) error
}

// Func adapts a function to the Reporter interface.
type Func func(ctx context.Context, ev Event) error

func (f Func) Report(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard is a Reporter that drops every event.
var Discard Reporter = Func(func(context.Context, Event) error { return nil })
