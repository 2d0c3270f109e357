package worker

import (
	"sync/atomic"
	"time"
)

// Stats tracks worker activity counters. All fields are updated atomically
// by concurrent task goroutines.
type Stats struct {
	Processed        atomic.Int64
	Completed        atomic.Int64
	FailedTransient  atomic.Int64
	FailedPermanent  atomic.Int64
	Retries          atomic.Int64
	RecoveredOrphans atomic.Int64
	ClaimRaces       atomic.Int64

	startTime time.Time
}

// Snapshot is a point-in-time copy of the counters for the admin surface.
type Snapshot struct {
	WorkerID         string    `json:"workerId"`
	Processed        int64     `json:"processed"`
	Completed        int64     `json:"completed"`
	FailedTransient  int64     `json:"failedTransient"`
	FailedPermanent  int64     `json:"failedPermanent"`
	Retries          int64     `json:"retries"`
	RecoveredOrphans int64     `json:"recoveredOrphans"`
	ClaimRaces       int64     `json:"claimRaces"`
	StartTime        time.Time `json:"startTime"`
}

func (s *Stats) snapshot(workerID string) Snapshot {
	return Snapshot{
		WorkerID:         workerID,
		Processed:        s.Processed.Load(),
		Completed:        s.Completed.Load(),
		FailedTransient:  s.FailedTransient.Load(),
		FailedPermanent:  s.FailedPermanent.Load(),
		Retries:          s.Retries.Load(),
		RecoveredOrphans: s.RecoveredOrphans.Load(),
		ClaimRaces:       s.ClaimRaces.Load(),
		StartTime:        s.startTime,
	}
}
