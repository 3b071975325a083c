package queue

import "time"

// DecisionStats summarises how quickly humans decide approval requests.
type DecisionStats struct {
	Decided   int   `json:"decided"`
	AverageMS int64 `json:"average_ms"`
	FastestMS int64 `json:"fastest_ms"`
	SlowestMS int64 `json:"slowest_ms"`
}

// QueueStats is the snapshot returned by Stats and persisted to stats.json
// on every retention sweep.
type QueueStats struct {
	GeneratedAt int64 `json:"generated_at"`

	Counts map[Status]int `json:"counts"`
	Live   int            `json:"live"`
	Total  int            `json:"total"`

	Capacity int    `json:"capacity"`
	Load     string `json:"load"`

	Decisions DecisionStats `json:"decisions"`
}

// Stats walks every shard and aggregates counts, the load band, and decision
// timings.
func (s *Store) Stats() (*QueueStats, error) {
	stats := &QueueStats{
		GeneratedAt: nowMS(),
		Counts:      map[Status]int{},
		Capacity:    s.capacity,
	}

	var decisionTimes []int64
	for _, status := range AllStatuses {
		ids, err := s.shardIDs(status)
		if err != nil {
			return nil, err
		}
		stats.Counts[status] = len(ids)
		stats.Total += len(ids)

		if status == StatusPendingApproval || status == StatusApproved || status == StatusExecuting {
			stats.Live += len(ids)
		}

		// Decision time only makes sense for jobs a human actually decided.
		for _, id := range ids {
			j, err := s.readRecord(status, id)
			if err != nil {
				continue
			}
			if !j.RequiresConfirmation {
				continue
			}
			var decidedAt int64
			switch {
			case j.ApprovedAt > 0:
				decidedAt = j.ApprovedAt
			case j.Status == StatusRejected:
				decidedAt = j.LastUpdated
			}
			if decidedAt > j.SubmittedAt {
				decisionTimes = append(decisionTimes, decidedAt-j.SubmittedAt)
			}
		}
	}

	if len(decisionTimes) > 0 {
		d := &stats.Decisions
		d.Decided = len(decisionTimes)
		d.FastestMS = decisionTimes[0]
		d.SlowestMS = decisionTimes[0]
		var sum int64
		for _, t := range decisionTimes {
			sum += t
			if t < d.FastestMS {
				d.FastestMS = t
			}
			if t > d.SlowestMS {
				d.SlowestMS = t
			}
		}
		d.AverageMS = sum / int64(len(decisionTimes))
	}

	switch {
	case stats.Live*2 < s.capacity:
		stats.Load = "low"
	case stats.Live*5 < s.capacity*4:
		stats.Load = "medium"
	default:
		stats.Load = "high"
	}

	return stats, nil
}

// Age reports how long ago the job was submitted.
func (j *Job) Age() time.Duration {
	return time.Duration(nowMS()-j.SubmittedAt) * time.Millisecond
}
