package bot

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner owns the persona sessions and the shared dispatcher for the life
// of the process.
type Runner struct {
	sessions   []*Session
	dispatcher *Dispatcher
	log        *slog.Logger
}

func NewRunner(dispatcher *Dispatcher, sessions []*Session) *Runner {
	return &Runner{
		sessions:   sessions,
		dispatcher: dispatcher,
		log:        slog.With("component", "runner"),
	}
}

// Run starts every session and blocks until ctx is cancelled, then drains
// the dispatcher. Sessions reconnect on their own; an error here means a
// session gave up entirely, which takes the process down rather than
// running a silently degraded roster.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.sessions) == 0 {
		return fmt.Errorf("no sessions to run")
	}

	r.log.Info("starting", "personas", len(r.sessions))

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range r.sessions {
		g.Go(func() error { return s.Run(ctx) })
	}

	err := g.Wait()
	r.dispatcher.Close()
	r.log.Info("stopped")
	return err
}
