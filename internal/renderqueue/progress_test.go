package renderqueue

import (
	"testing"

	"github.com/bobarin/renderqueue/internal/jobmodel"
)

func TestPhaseProgressFixedValues(t *testing.T) {
	cases := map[jobmodel.Phase]int{
		jobmodel.PhaseQueued:         0,
		jobmodel.PhasePreparing:      10,
		jobmodel.PhasePrompting:      25,
		jobmodel.PhaseSampling:       70,
		jobmodel.PhaseAssembling:     90,
		jobmodel.PhasePostprocessing: 95,
		jobmodel.PhaseDone:           100,
		jobmodel.PhaseError:          100,
	}
	for phase, want := range cases {
		if got := PhaseProgress[phase]; got != want {
			t.Errorf("PhaseProgress[%s] = %d, want %d", phase, got, want)
		}
	}
}

func newProcessingJob() *jobmodel.Job {
	return &jobmodel.Job{
		JobID:  "job-1",
		Status: jobmodel.StatusProcessing,
		Phase:  jobmodel.PhaseSampling,
	}
}

func TestApplySamplingRatioMonotonic(t *testing.T) {
	job := newProcessingJob()
	job.Progress = PhaseProgress[jobmodel.PhaseSampling]

	ApplySamplingRatio(job, 0.5)
	first := job.Progress
	if first <= 70 {
		t.Fatalf("expected progress to advance past 70, got %d", first)
	}

	ApplySamplingRatio(job, 0.2)
	if job.Progress != first {
		t.Errorf("expected a lower ratio to be ignored, progress changed from %d to %d", first, job.Progress)
	}

	ApplySamplingRatio(job, 1.0)
	if job.Progress != 89 {
		t.Errorf("expected ratio 1.0 to map to 89, got %d", job.Progress)
	}
}

func TestApplySamplingRatioIgnoredOutsideSamplingPhase(t *testing.T) {
	job := newProcessingJob()
	job.Phase = jobmodel.PhaseAssembling
	job.Progress = PhaseProgress[jobmodel.PhaseAssembling]

	ApplySamplingRatio(job, 0.9)
	if job.Progress != PhaseProgress[jobmodel.PhaseAssembling] {
		t.Errorf("expected sampling ratio to be ignored outside the sampling phase, got progress %d", job.Progress)
	}
}

func TestApplySamplingRatioIgnoredWhenJobNotActive(t *testing.T) {
	job := newProcessingJob()
	job.Status = jobmodel.StatusFailed
	job.Progress = 70

	ApplySamplingRatio(job, 0.9)
	if job.Progress != 70 {
		t.Errorf("expected sampling ratio to be ignored once the job is no longer active, got %d", job.Progress)
	}
}

func TestApplyPhaseSetsFixedProgress(t *testing.T) {
	job := &jobmodel.Job{JobID: "job-1"}
	ApplyPhase(job, jobmodel.PhasePreparing)
	if job.Phase != jobmodel.PhasePreparing || job.Progress != 10 {
		t.Errorf("expected phase=preparing progress=10, got phase=%s progress=%d", job.Phase, job.Progress)
	}
}

func TestCompleteAndFail(t *testing.T) {
	job := &jobmodel.Job{JobID: "job-1", Status: jobmodel.StatusProcessing}
	videoURL := "/static/renders/key/video.mp4"
	Complete(job, jobmodel.Result{VideoURL: &videoURL})
	if job.Status != jobmodel.StatusCompleted || job.Phase != jobmodel.PhaseDone || job.Progress != 100 {
		t.Errorf("unexpected completed job state: %+v", job)
	}

	job2 := &jobmodel.Job{JobID: "job-2", Status: jobmodel.StatusProcessing}
	Fail(job2, "COMFY_TIMEOUT", "render timed out")
	if job2.Status != jobmodel.StatusFailed || job2.Phase != jobmodel.PhaseError || job2.Progress != 100 {
		t.Errorf("unexpected failed job state: %+v", job2)
	}
	if job2.Error.Code == nil || *job2.Error.Code != "COMFY_TIMEOUT" {
		t.Errorf("expected error code COMFY_TIMEOUT, got %+v", job2.Error)
	}
}
