// Package renderqueue implements the single-worker FIFO queue service
// (component C4) and the pure progress-mapping functions (component
// C5) that translate inference-client phase/ratio callbacks into a Job's
// status/phase/progress fields.
package renderqueue

import (
	"math"
	"time"

	"github.com/bobarin/renderqueue/internal/jobmodel"
)

// PhaseProgress is the fixed progress value assigned the moment a job
// enters each phase. Sampling is the only phase that also advances
// progress continuously within its own window — see ApplySamplingRatio.
var PhaseProgress = map[jobmodel.Phase]int{
	jobmodel.PhaseQueued:         0,
	jobmodel.PhasePreparing:      10,
	jobmodel.PhasePrompting:      25,
	jobmodel.PhaseSampling:       70,
	jobmodel.PhaseAssembling:     90,
	jobmodel.PhasePostprocessing: 95,
	jobmodel.PhaseDone:           100,
	jobmodel.PhaseError:          100,
}

const (
	samplingProgressStart = 70
	samplingProgressSpan  = 19 // 70 + round(19*ratio) tops out at 89
)

// ApplyPhase transitions job to phase, setting its fixed progress
// value. It is a no-op write of Phase/Progress/UpdatedAt only — callers
// are responsible for persisting the result.
func ApplyPhase(job *jobmodel.Job, phase jobmodel.Phase) {
	job.Phase = phase
	job.Progress = PhaseProgress[phase]
	job.UpdatedAt = time.Now()
}

// ApplySamplingRatio folds a raw [0,1] sampling ratio into job.Progress,
// guarded so that it only ever nudges progress upward while the job is
// actually in the sampling phase. Out-of-order or regressed ratios
// (and any ratio reported outside the sampling phase) are silently
// dropped — this is the monotonicity invariant of the progress mapper.
func ApplySamplingRatio(job *jobmodel.Job, ratio float64) {
	if job.Phase != jobmodel.PhaseSampling {
		return
	}
	if job.Status != jobmodel.StatusProcessing && job.Status != jobmodel.StatusQueued {
		return
	}

	mapped := samplingProgressStart + int(math.Round(samplingProgressSpan*clamp01(ratio)))
	if mapped <= job.Progress {
		return
	}

	job.Progress = mapped
	job.UpdatedAt = time.Now()
}

// Complete marks job as successfully finished, clearing any error left
// over from a previous attempt.
func Complete(job *jobmodel.Job, result jobmodel.Result) {
	job.Status = jobmodel.StatusCompleted
	job.Phase = jobmodel.PhaseDone
	job.Progress = PhaseProgress[jobmodel.PhaseDone]
	job.Result = result
	job.Error = jobmodel.Error{}
	job.UpdatedAt = time.Now()
}

// Fail marks job as failed with the given taxonomy code and message.
func Fail(job *jobmodel.Job, code, message string) {
	job.Status = jobmodel.StatusFailed
	job.Phase = jobmodel.PhaseError
	job.Progress = PhaseProgress[jobmodel.PhaseError]
	job.Error = jobmodel.Error{
		Code:    jobmodel.StrPtr(code),
		Message: jobmodel.StrPtr(message),
	}
	job.UpdatedAt = time.Now()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
