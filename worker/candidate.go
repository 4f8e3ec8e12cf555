package worker

import (
	"sort"

	hset "github.com/hashicorp/go-set/v3"

	"github.com/ovidian/loom/job"
)

// Candidate pairs a worker with the score computed for a specific job.
type Candidate struct {
	WorkerId string
	Score    float64
}

const highPriorityMultiplier = 1.3

func eligible(w *Worker, required *hset.Set[string], j *job.Job) bool {
	if w.Status != Active {
		return false
	}
	if !w.Capabilities.Subset(required) {
		return false
	}
	available := w.AvailableSlots()
	if j.Band != job.High {
		available -= w.ReservedHighPrioritySlots
	}
	if available < 1 {
		return false
	}
	if j.BasePriority < w.PriorityThreshold {
		return false
	}
	return true
}

func score(w *Worker, j *job.Job) float64 {
	capacityFraction := 0.0
	if w.MaxSlots > 0 {
		capacityFraction = float64(w.AvailableSlots()) / float64(w.MaxSlots)
	}

	invLoad := 1.0
	if w.LoadFactor > 0 {
		invLoad = 1.0 / w.LoadFactor
	}
	if invLoad > 2 {
		invLoad = 2
	}
	invLoad /= 2

	successRate := w.successRate()

	invAvgExec := 1.0
	if avg := w.averageExecTime(); avg > 0 {
		seconds := avg.Seconds()
		invAvgExec = 1.0 / (1.0 + seconds)
	}

	s := 0.25*capacityFraction + 0.25*invLoad + 0.25*successRate + 0.25*invAvgExec
	if j.Band == job.High {
		s *= highPriorityMultiplier
	}
	return s
}

// SelectCandidates filters workers eligible for j and ranks them by
// descending score. The caller (Registry.SelectCandidates) supplies the
// live worker snapshot slice.
func SelectCandidates(workers []*Worker, j *job.Job) []Candidate {
	var out []Candidate
	for _, w := range workers {
		if !eligible(w, j.RequiredCapabilities, j) {
			continue
		}
		out = append(out, Candidate{WorkerId: w.Id, Score: score(w, j)})
	}
	sort.SliceStable(out, func(i, k int) bool {
		return out[i].Score > out[k].Score
	})
	return out
}
