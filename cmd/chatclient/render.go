package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/engine"
	"github.com/ashureev/supportchat/internal/transport"
)

// renderer prints state changes as terminal lines.
type renderer struct {
	out     io.Writer
	seen    map[int64]domain.Status
	phase   transport.Phase
	typing  bool
	ended   bool
	loading bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, seen: make(map[int64]domain.Status), loading: true}
}

func (r *renderer) render(st engine.State) {
	if r.loading && !st.Loading {
		fmt.Fprintln(r.out, "-- ready")
	}
	r.loading = st.Loading

	for _, m := range st.Messages {
		prev, known := r.seen[m.ID]
		r.seen[m.ID] = m.Status
		switch {
		case !known:
			fmt.Fprintln(r.out, formatMessage(m))
		case prev != m.Status && m.Direction == domain.DirectionUser:
			fmt.Fprintf(r.out, "   #%d %s\n", m.ID, m.Status)
		}
	}

	if st.Phase != r.phase {
		r.phase = st.Phase
		switch st.Phase {
		case transport.PhaseReconnectPending:
			fmt.Fprintf(r.out, "-- connection lost, retry %d\n", st.RetryCount)
		case transport.PhaseOpen, transport.PhaseClosed:
			fmt.Fprintf(r.out, "-- live connection %s\n", st.Phase)
		}
	}
	if st.Typing != r.typing {
		r.typing = st.Typing
		if st.Typing {
			fmt.Fprintln(r.out, "-- support is typing...")
		}
	}
	if st.Ended && !r.ended {
		r.ended = true
		fmt.Fprintln(r.out, "-- conversation ended (/quit to exit)")
	}
}

func formatMessage(m domain.Message) string {
	name := m.SenderName
	if name == "" {
		if m.Direction == domain.DirectionUser {
			name = "You"
		} else {
			name = "Support"
		}
	}
	line := fmt.Sprintf("[%s] #%d %s: %s", m.Timestamp, m.ID, name, m.Body)
	if m.Status != domain.StatusNone {
		line += " (" + string(m.Status) + ")"
	}
	return line
}

// renderLoop prints snapshots until ctx ends or the stream closes.
func renderLoop(ctx context.Context, updates <-chan engine.State, out io.Writer) error {
	r := newRenderer(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			r.render(st)
		}
	}
}
