package processor

import "time"

// State is where a dispatched message ended up after one cycle.
type State string

const (
	StateDelivered      State = "delivered"
	StateRetryScheduled State = "retry_scheduled"
	StateFailed         State = "failed_terminal"
	// StateGone means the message was removed by someone else mid-dispatch.
	StateGone State = "gone"
)

// Result is the settled outcome of one dispatched message.
type Result struct {
	ID         string
	State      State
	RetryCount int
	DeliveryID string
	Delay      time.Duration
	Err        error
}

// CycleReport summarizes one Cycle.
type CycleReport struct {
	Pulled    int
	Admitted  int
	Delivered int
	Requeued  int
	Failed    int
	Gone      int
	Results   []Result
	Duration  time.Duration
	// Sleep is how long the loop should wait before the next cycle.
	Sleep time.Duration
}

func (r *CycleReport) add(res Result) {
	r.Results = append(r.Results, res)
	switch res.State {
	case StateDelivered:
		r.Delivered++
	case StateRetryScheduled:
		r.Requeued++
	case StateFailed:
		r.Failed++
	case StateGone:
		r.Gone++
	}
}
