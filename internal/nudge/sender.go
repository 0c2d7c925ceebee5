package nudge

import (
	"time"

	"github.com/overstory-ai/overstory/internal/logx"
)

// Result reports whether a nudge was delivered and, if not, why.
type Result struct {
	Delivered bool
	Reason    string
}

// Sender delivers attention signals to agents. The watchdog and the mail
// broker both depend on this interface; tests supply fakes.
type Sender interface {
	Nudge(agentName string, m Marker, force bool) Result
}

// MarkerSender writes pending-nudge markers, skipping recipients who
// checked their mail within the debounce window. Force bypasses the
// window, not the durability rules.
type MarkerSender struct {
	markers  *Store
	debounce *DebounceState
	window   time.Duration
	now      func() time.Time
}

// NewSender wires a marker-file sender over the shared debounce state.
func NewSender(markers *Store, debounce *DebounceState, window time.Duration) *MarkerSender {
	return &MarkerSender{
		markers:  markers,
		debounce: debounce,
		window:   window,
		now:      time.Now,
	}
}

// Nudge writes a marker for the agent unless debounced.
func (s *MarkerSender) Nudge(agentName string, m Marker, force bool) Result {
	if !force && s.window > 0 {
		last, err := s.debounce.LastCheck(agentName)
		if err != nil {
			logx.ErrorErr(logx.CatNudge, "reading debounce state", err, "agent", agentName)
		} else if !last.IsZero() && s.now().Sub(last) < s.window {
			return Result{Delivered: false, Reason: "checked mail recently"}
		}
	}

	if err := s.markers.Write(agentName, m); err != nil {
		logx.ErrorErr(logx.CatNudge, "writing nudge marker", err, "agent", agentName)
		return Result{Delivered: false, Reason: err.Error()}
	}
	logx.Debug(logx.CatNudge, "nudge delivered", "agent", agentName, "from", m.From, "force", force)
	return Result{Delivered: true}
}
