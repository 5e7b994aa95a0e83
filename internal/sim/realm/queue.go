package realm

import "time"

// Job kinds.
const (
	JobBuild = "build"
	JobTrain = "train"
)

// Job is one queued work item. Start and end times are frozen when the
// job is accepted; later bonuses or level changes never reschedule it.
type Job struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	StartAt time.Time `json:"start_at"`
	EndsAt  time.Time `json:"ends_at"`

	// build
	Slot     int    `json:"slot,omitempty"`
	Building string `json:"building,omitempty"`
	ToLevel  int    `json:"to_level,omitempty"`

	// train
	Unit    string        `json:"unit,omitempty"`
	Count   int64         `json:"count,omitempty"`
	Done    int64         `json:"done,omitempty"`
	PerUnit time.Duration `json:"per_unit,omitempty"`
}

// JobQueue holds the running job at index 0 and the FIFO waitlist
// behind it. A job's StartAt equals its predecessor's EndsAt.
type JobQueue struct {
	Jobs []Job `json:"jobs,omitempty"`
}

func (q *JobQueue) Len() int { return len(q.Jobs) }

// tailEndsAt is the earliest instant a new job could start.
func (q *JobQueue) tailEndsAt(now time.Time) time.Time {
	if len(q.Jobs) == 0 {
		return now
	}
	return q.Jobs[len(q.Jobs)-1].EndsAt
}

func (q *JobQueue) push(j Job) {
	q.Jobs = append(q.Jobs, j)
}

// nextCompletionAt returns the next instant the head job produces an
// effect: the end for builds, the next finished unit for training.
func (q *JobQueue) nextCompletionAt() (time.Time, bool) {
	if len(q.Jobs) == 0 {
		return time.Time{}, false
	}
	j := &q.Jobs[0]
	if j.Kind == JobTrain {
		return j.StartAt.Add(time.Duration(j.Done+1) * j.PerUnit), true
	}
	return j.EndsAt, true
}

// completionResult describes one applied completion.
type completionResult struct {
	Job      Job
	Finished bool   // head job fully done and popped
	Unit     string // one trained unit, for train steps
}

// completeHead applies the earliest pending completion, which the caller
// has verified is due. Build jobs finish whole; train jobs finish one
// unit at a time.
func (q *JobQueue) completeHead() completionResult {
	invariant(len(q.Jobs) > 0, "completeHead on empty queue")
	j := &q.Jobs[0]
	switch j.Kind {
	case JobTrain:
		j.Done++
		res := completionResult{Job: *j, Unit: j.Unit}
		if j.Done >= j.Count {
			res.Finished = true
			q.Jobs = q.Jobs[1:]
		}
		return res
	default:
		res := completionResult{Job: *j, Finished: true}
		q.Jobs = q.Jobs[1:]
		return res
	}
}
