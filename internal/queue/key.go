package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// JobID is the deterministic identity of a job: "{task}-{commissionId}-{n}".
// Producers and the cancellation sweep build ids only through this type so the
// two sides can never disagree on the format.
type JobID struct {
	Task         string
	CommissionID int64
	N            int
}

// NewJobID returns the id of the n-th job of task's family for a commission
func NewJobID(task string, commissionID int64, n int) JobID {
	return JobID{Task: task, CommissionID: commissionID, N: n}
}

func (id JobID) String() string {
	return fmt.Sprintf("%s-%d-%d", id.Task, id.CommissionID, id.N)
}

// ParseJobID is the inverse of JobID.String
func ParseJobID(s string) (JobID, error) {
	last := strings.LastIndexByte(s, '-')
	if last <= 0 {
		return JobID{}, fmt.Errorf("invalid job id %q", s)
	}
	mid := strings.LastIndexByte(s[:last], '-')
	if mid <= 0 {
		return JobID{}, fmt.Errorf("invalid job id %q", s)
	}

	commissionID, err := strconv.ParseInt(s[mid+1:last], 10, 64)
	if err != nil {
		return JobID{}, fmt.Errorf("invalid commission id in job id %q: %w", s, err)
	}
	n, err := strconv.Atoi(s[last+1:])
	if err != nil {
		return JobID{}, fmt.Errorf("invalid index in job id %q: %w", s, err)
	}

	return JobID{Task: s[:mid], CommissionID: commissionID, N: n}, nil
}

// Family enumerates ids 0..count-1 of task for a commission
func Family(task string, commissionID int64, count int) []JobID {
	if count <= 0 {
		return nil
	}
	ids := make([]JobID, count)
	for n := range ids {
		ids[n] = NewJobID(task, commissionID, n)
	}
	return ids
}
