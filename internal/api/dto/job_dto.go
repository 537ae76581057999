package dto

import (
	"time"

	"github.com/cuongbtq/songforge/internal/domain"
)

type CreateJobRequest struct {
	UserID            string   `json:"user_id" binding:"required,uuid"`
	Title             string   `json:"title" binding:"max=200"`
	FullDescribedSong string   `json:"full_described_song"`
	Prompt            string   `json:"prompt"`
	Lyrics            string   `json:"lyrics"`
	DescribedLyrics   string   `json:"described_lyrics"`
	Instrumental      *bool    `json:"instrumental"`
	GuidanceScale     *float64 `json:"guidance_scale" binding:"omitempty,gt=0"`
	InferStep         *int     `json:"infer_step" binding:"omitempty,gt=0"`
	AudioDuration     *float64 `json:"audio_duration" binding:"omitempty,gt=0"`
	Seed              *int64   `json:"seed"`
}

func (r CreateJobRequest) RequestFields() domain.RequestFields {
	return domain.RequestFields{
		FullDescribedSong: r.FullDescribedSong,
		Prompt:            r.Prompt,
		Lyrics:            r.Lyrics,
		DescribedLyrics:   r.DescribedLyrics,
	}
}

func (r CreateJobRequest) Params() domain.Params {
	return domain.Params{
		GuidanceScale: r.GuidanceScale,
		InferStep:     r.InferStep,
		AudioDuration: r.AudioDuration,
		Seed:          r.Seed,
		Instrumental:  r.Instrumental,
	}
}

type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ListJobsRequest struct {
	UserID   string `form:"user_id" binding:"required,uuid"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID         string   `json:"job_id"`
	UserID        string   `json:"user_id"`
	Title         string   `json:"title,omitempty"`
	Status        string   `json:"status"`
	AudioKey      string   `json:"audio_key,omitempty"`
	ThumbnailKey  string   `json:"thumbnail_key,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// FromJob exposes result keys only once the job is processed
func FromJob(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:     job.ID,
		UserID:    job.UserID,
		Title:     job.Title,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}

	switch job.Status {
	case domain.JobStatusProcessed:
		out.AudioKey = job.AudioKey
		out.ThumbnailKey = job.ThumbnailKey
		out.Categories = job.Categories
	case domain.JobStatusFailed:
		out.FailureReason = job.FailureReason
	}

	return out
}
