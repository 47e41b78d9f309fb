// Package ui renders cell transitions to the controlling terminal. Output is
// append-only, one line per transition, so it stays useful when piped.
package ui

import (
	"context"
	"fmt"
	"io"

	"github.com/cip999/limmat/internal/status"
)

type Renderer struct {
	out io.Writer
}

func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out}
}

// Run consumes the bus until it closes or ctx is canceled.
func (r *Renderer) Run(ctx context.Context, bus *status.Bus) error {
	msgs, doneCh, unsub := bus.Subscribe()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-doneCh:
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.render(msg)
		}
	}
}

func (r *Renderer) render(msg status.Message) {
	for _, ev := range msg.Snapshot {
		r.renderEvent(ev)
	}
	if msg.Event != nil {
		r.renderEvent(*msg.Event)
	}
}

func (r *Renderer) renderEvent(ev status.CellEvent) {
	detail := ""
	switch {
	case ev.State == status.StateDone && ev.Outcome != nil && ev.Cached:
		detail = " [" + ev.Outcome.String() + ", cached]"
	case ev.State == status.StateDone && ev.Outcome != nil:
		detail = " [" + ev.Outcome.String() + "]"
	case ev.Reason != "":
		detail = " [" + ev.Reason + "]"
	}
	fmt.Fprintf(r.out, "%s@%s %s%s\n", ev.Test, shortRev(ev.Revision), ev.State, detail)
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
