package engine

import (
	"github.com/mschirtzinger/vidpush/internal/tracker"
	"github.com/mschirtzinger/vidpush/internal/upload"
	"github.com/mschirtzinger/vidpush/internal/watch"
)

// Observer receives engine activity. Callbacks run on engine, source and
// upload goroutines, so implementations must be safe for concurrent use and
// must not block for long.
type Observer interface {
	// OnObservation is called for every observation with the tracker's
	// verdict on it.
	OnObservation(obs watch.Observation, class tracker.Classification)

	// OnUploadStarted is called when a job has been handed to the coordinator.
	OnUploadStarted(job upload.Job)

	// OnUploadFinished is called once per started job.
	OnUploadFinished(out upload.Outcome)

	// OnCycle is called after every polling cycle (poll strategy only).
	OnCycle(summary watch.CycleSummary)
}

// observers fans calls out to every registered Observer.
type observers []Observer

func (o observers) observation(obs watch.Observation, class tracker.Classification) {
	for _, ob := range o {
		ob.OnObservation(obs, class)
	}
}

func (o observers) started(job upload.Job) {
	for _, ob := range o {
		ob.OnUploadStarted(job)
	}
}

func (o observers) finished(out upload.Outcome) {
	for _, ob := range o {
		ob.OnUploadFinished(out)
	}
}

func (o observers) cycle(summary watch.CycleSummary) {
	for _, ob := range o {
		ob.OnCycle(summary)
	}
}
