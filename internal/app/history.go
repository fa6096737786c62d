package app

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/vovakirdan/wirepush/internal/store"
	"github.com/vovakirdan/wirepush/internal/store/sqlite"
)

// HistoryOptions selects what History prints.
type HistoryOptions struct {
	Filter store.EventFilter
	// States prints connection state changes instead of events.
	States bool
}

// History prints journaled records oldest first.
func History(ctx context.Context, journalPath string, opts HistoryOptions, out io.Writer) error {
	if journalPath == "" {
		return fmt.Errorf("journal path is not configured")
	}
	st, err := sqlite.New(journalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer st.Close()

	p := newPrinter(out)
	if opts.States {
		changes, err := st.ListStateChanges(ctx, opts.Filter.Limit)
		if err != nil {
			return err
		}
		slices.Reverse(changes)
		for _, c := range changes {
			p.printState(c.From, c.To, c.RecordedAt)
		}
		return nil
	}

	events, err := st.ListEvents(ctx, opts.Filter)
	if err != nil {
		return err
	}
	slices.Reverse(events)
	for _, ev := range events {
		p.print(ev)
	}
	return nil
}
