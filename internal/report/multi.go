package report

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Multi fans one event out to several sinks concurrently. Each sink gets the
// event even if a sibling fails; the first error is returned for logging.
type Multi struct {
	reporters []Reporter
}

func NewMulti(reporters ...Reporter) *Multi {
	return &Multi{reporters: reporters}
}

func (m *Multi) Report(ctx context.Context, ev Event) error {
	var wg errgroup.Group

	for _, r := range m.reporters {
		wg.Go(func() error {
			if err := r.Report(ctx, ev); err != nil {
				return fmt.Errorf("report sink failed: %w", err)
			}

			return nil
		})
	}

	return wg.Wait()
}
