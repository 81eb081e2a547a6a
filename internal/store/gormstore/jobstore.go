package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/reelmuse/entitlement/internal/scheduler"
)

const (
	errorSubjectJob     = "job"
	errorCodeDelete     = "delete"
	errorCodeProgress   = "progress"
	errorCodeTransition = "transition"
)

// InsertJob persists a freshly submitted job.
func (store *Store) InsertJob(ctx context.Context, job scheduler.Job) error {
	model := VideoJob{
		JobID:         job.JobID,
		OwnerUserID:   job.OwnerUserID,
		ReservationID: job.ReservationID,
		TemplateID:    job.Spec.TemplateID,
		Prompt:        job.Spec.Prompt,
		Quality:       job.Spec.Quality.String(),
		CostCredits:   job.CostCredits,
		Status:        job.Status.String(),
		Progress:      job.Progress,
		CreatedAt:     time.Unix(job.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInsert, err)
	}
	return nil
}

// GetJob loads one job record.
func (store *Store) GetJob(ctx context.Context, jobID string) (scheduler.Job, error) {
	var model VideoJob
	err := store.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return scheduler.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, scheduler.ErrNotFound)
		}
		return scheduler.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	return mapVideoJob(model)
}

// UpdateJobStatus performs the compare-and-set transition from -> to. A zero
// row count means the job moved first, which surfaces as ErrInvalidTransition.
func (store *Store) UpdateJobStatus(ctx context.Context, jobID string, from, to scheduler.Status, resultRef string, failureReason string) error {
	updates := map[string]interface{}{
		"status": to.String(),
	}
	if resultRef != "" {
		updates["result_ref"] = resultRef
	}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	if to == scheduler.StatusCompleted {
		updates["progress"] = 100
	}
	result := store.db.WithContext(ctx).
		Model(&VideoJob{}).
		Where("job_id = ? AND status = ?", jobID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeTransition, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeTransition, scheduler.ErrInvalidTransition)
	}
	return nil
}

// UpdateJobProgress records a progress percentage without touching status.
func (store *Store) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	result := store.db.WithContext(ctx).
		Model(&VideoJob{}).
		Where("job_id = ?", jobID).
		Update("progress", progress)
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeProgress, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeProgress, scheduler.ErrNotFound)
	}
	return nil
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (store *Store) ListJobsByOwner(ctx context.Context, userID string, limit int) ([]scheduler.Job, error) {
	var rows []VideoJob
	err := store.db.WithContext(ctx).
		Where("owner_user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	jobs := make([]scheduler.Job, 0, len(rows))
	for _, row := range rows {
		job, err := mapVideoJob(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeleteJob removes a job record.
func (store *Store) DeleteJob(ctx context.Context, jobID string) error {
	result := store.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Delete(&VideoJob{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeDelete, scheduler.ErrNotFound)
	}
	return nil
}

func mapVideoJob(row VideoJob) (scheduler.Job, error) {
	status, err := scheduler.ParseStatus(row.Status)
	if err != nil {
		return scheduler.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	quality, err := scheduler.ParseQuality(row.Quality)
	if err != nil {
		return scheduler.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return scheduler.Job{
		JobID:         row.JobID,
		OwnerUserID:   row.OwnerUserID,
		ReservationID: row.ReservationID,
		Spec: scheduler.Spec{
			TemplateID: row.TemplateID,
			Prompt:     row.Prompt,
			Quality:    quality,
		},
		CostCredits:    row.CostCredits,
		Status:         status,
		Progress:       row.Progress,
		ResultRef:      row.ResultRef,
		FailureReason:  row.FailureReason,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}
