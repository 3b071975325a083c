package queue

import "time"

const (
	approvalPollInitial = 10 * time.Second
	approvalPollCap     = 30 * time.Second

	executionPollInitial = 2 * time.Minute
	executionPollCap     = 15 * time.Minute
)

// NextPollRecommendation suggests how long a caller should wait before the
// next status check. Waits back off with the poll count so idle jobs cost
// progressively less, and settle faster while approval is pending than while
// a long command runs.
func NextPollRecommendation(j *Job) time.Duration {
	if j.Status.Terminal() {
		return 0
	}

	var d, limit time.Duration
	var factor float64
	switch j.Status {
	case StatusPendingApproval:
		d, limit, factor = approvalPollInitial, approvalPollCap, 1.5
	default:
		d, limit, factor = executionPollInitial, executionPollCap, 2
	}

	for i := 0; i < j.PollCount; i++ {
		d = time.Duration(float64(d) * factor)
		if d >= limit {
			return limit
		}
	}
	return d
}
