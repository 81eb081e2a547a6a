package scheduler

import (
	"context"
	"fmt"
	"time"
)

// SimulatedGenerator stands in for the render farm during development. It
// ticks progress to completion or stops early when the job context is
// cancelled.
type SimulatedGenerator struct {
	StepWait time.Duration
}

// Generate reports progress in 10% steps and returns a synthetic result
// reference.
func (generator SimulatedGenerator) Generate(ctx context.Context, job Job, report ProgressFunc) (string, error) {
	stepWait := generator.StepWait
	if stepWait <= 0 {
		stepWait = 500 * time.Millisecond
	}
	for percent := 10; percent <= 90; percent += 10 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(stepWait):
		}
		report(percent)
	}
	return fmt.Sprintf("render://%s/%s.mp4", job.Spec.Quality, job.JobID), nil
}
