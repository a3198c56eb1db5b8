package awareness

import (
	"time"

	"github.com/earshot/earshot-go/internal/signal"
)

// WindowCapacity bounds the rolling signal window and the rolling audio
// level history kept in the awareness state.
const WindowCapacity = 20

// Window is a bounded, time-ordered buffer of recent normalized signals.
// It is a plain slice value; all mutation happens inside the detector's
// critical section, so no locking is needed here.
type Window []signal.Event

// Push appends ev and drops the oldest entries beyond capacity.
func (w Window) Push(ev signal.Event, capacity int) Window {
	w = append(w, ev)
	if len(w) > capacity {
		w = w[len(w)-capacity:]
	}
	return w
}

// Recent returns the sub-window of signals whose timestamp falls within
// seconds of the newest signal. Signals with a zero timestamp are excluded.
func (w Window) Recent(seconds float64) Window {
	if len(w) == 0 {
		return nil
	}
	newest := w[len(w)-1].Timestamp
	if newest.IsZero() {
		return nil
	}
	cutoff := newest.Add(-time.Duration(seconds * float64(time.Second)))
	out := make(Window, 0, len(w))
	for _, ev := range w {
		if ev.Timestamp.IsZero() {
			continue
		}
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

// SpanSeconds returns the elapsed time between the oldest and newest signal.
func (w Window) SpanSeconds() float64 {
	if len(w) < 2 {
		return 0
	}
	return w[len(w)-1].Timestamp.Sub(w[0].Timestamp).Seconds()
}
