package scheduler

import (
	"errors"
	"fmt"
)

// Status is a video job's lifecycle state. Transitions only move forward:
// Queued -> Processing -> Completed|Failed, and Queued|Processing -> Cancelled.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Errors returned by the scheduler.
var (
	ErrNotFound               = errors.New("job not found")
	ErrInvalidTransition      = errors.New("invalid job transition")
	ErrRetryLater             = errors.New("queue full, retry later")
	ErrInvalidQuality         = errors.New("invalid quality")
	ErrInvalidStatus          = errors.New("invalid job status")
	ErrInvalidSchedulerConfig = errors.New("invalid scheduler config")
	ErrSchedulerStopped       = errors.New("scheduler stopped")
)

// ParseStatus validates a stored status label.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// String returns the status label.
func (status Status) String() string {
	return string(status)
}

// Terminal reports whether no further transition is permitted.
func (status Status) Terminal() bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Quality selects the render tier and determines the credit cost.
type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHD       Quality = "hd"
	QualityUltra    Quality = "ultra"
)

const (
	costStandard = 10
	costHD       = 20
	costUltra    = 50
)

// ParseQuality validates a requested quality label.
func ParseQuality(raw string) (Quality, error) {
	switch Quality(raw) {
	case QualityStandard, QualityHD, QualityUltra:
		return Quality(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidQuality, raw)
}

// String returns the quality label.
func (quality Quality) String() string {
	return string(quality)
}

// CostCredits returns the credit cost of one generation at this quality.
func (quality Quality) CostCredits() int64 {
	switch quality {
	case QualityHD:
		return costHD
	case QualityUltra:
		return costUltra
	default:
		return costStandard
	}
}

// Spec is the caller-supplied description of the video to generate.
type Spec struct {
	TemplateID string
	Prompt     string
	Quality    Quality
}

// Job is a video-generation job record. Its reservation equals its cost
// until the job reaches a terminal status.
type Job struct {
	JobID          string
	OwnerUserID    string
	ReservationID  string
	Spec           Spec
	CostCredits    int64
	Status         Status
	Progress       int
	ResultRef      string
	FailureReason  string
	CreatedUnixUTC int64
}
