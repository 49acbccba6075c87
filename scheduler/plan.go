package scheduler

import (
	"time"

	"github.com/aont/nhk-radio-recorder/capture"
	"github.com/aont/nhk-radio-recorder/store"
)

// minCaptureWindow is the floor below which a late-started plan is not
// worth running at all (spec §4.5 tie-break: "rejected if the remaining
// window is < 60 s").
const minCaptureWindow = 60 * time.Second

// computeCapturePlan derives a capture.Plan for a SingleEvent reservation:
// arm lead_in before the event starts, run until tail_out after it ends
// (spec §4.4 "lead-in/tail-out"). If the plan's own start has already
// passed by now but its stop time has not, the plan is started immediately
// with a proportionally shorter window (spec §4.5 tie-break); ok is false
// if what would remain is below minCaptureWindow, in which case the
// reservation should be rejected rather than armed.
func computeCapturePlan(recordingID string, res *store.Reservation, sourceURL string, now time.Time, leadIn, tailOut time.Duration) (plan capture.Plan, ok bool) {
	ev := res.Single.Event
	armAt := ev.Start.Add(-leadIn)
	stopAt := ev.End.Add(tailOut)

	if armAt.Before(now) {
		armAt = now
		if stopAt.Sub(armAt) < minCaptureWindow {
			return capture.Plan{}, false
		}
	}

	return capture.Plan{
		RecordingID:   recordingID,
		ReservationID: res.ID,
		Event:         ev,
		SourceURL:     sourceURL,
		ArmAt:         armAt,
		StopAt:        stopAt,
	}, true
}
