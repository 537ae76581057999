package store

import (
	"database/sql"
	"time"

	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/lib/pq"
)

// jobColumns selects a job row aliased as j plus its category names
const jobColumns = `
	j.id, j.user_id, j.title, j.status,
	j.prompt, j.lyrics, j.full_described_song, j.described_lyrics,
	j.instrumental, j.guidance_scale, j.infer_step, j.audio_duration, j.seed,
	j.audio_key, j.thumbnail_key, j.credit_debited, j.failure_reason,
	j.created_at, j.updated_at,
	COALESCE((
		SELECT array_agg(c.name ORDER BY c.name)
		FROM job_categories jc
		JOIN categories c ON c.id = jc.category_id
		WHERE jc.job_id = j.id
	), '{}') AS categories`

type jobRow struct {
	ID                string          `db:"id"`
	UserID            string          `db:"user_id"`
	Title             string          `db:"title"`
	Status            string          `db:"status"`
	Prompt            sql.NullString  `db:"prompt"`
	Lyrics            sql.NullString  `db:"lyrics"`
	FullDescribedSong sql.NullString  `db:"full_described_song"`
	DescribedLyrics   sql.NullString  `db:"described_lyrics"`
	Instrumental      sql.NullBool    `db:"instrumental"`
	GuidanceScale     sql.NullFloat64 `db:"guidance_scale"`
	InferStep         sql.NullInt32   `db:"infer_step"`
	AudioDuration     sql.NullFloat64 `db:"audio_duration"`
	Seed              sql.NullInt64   `db:"seed"`
	AudioKey          sql.NullString  `db:"audio_key"`
	ThumbnailKey      sql.NullString  `db:"thumbnail_key"`
	CreditDebited     bool            `db:"credit_debited"`
	FailureReason     string          `db:"failure_reason"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
	Categories        pq.StringArray  `db:"categories"`
}

type runRow struct {
	jobRow
	Credits int `db:"credits"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:     r.ID,
		UserID: r.UserID,
		Title:  r.Title,
		Status: domain.JobStatus(r.Status),
		Request: domain.RequestFields{
			FullDescribedSong: r.FullDescribedSong.String,
			Prompt:            r.Prompt.String,
			Lyrics:            r.Lyrics.String,
			DescribedLyrics:   r.DescribedLyrics.String,
		},
		AudioKey:      r.AudioKey.String,
		ThumbnailKey:  r.ThumbnailKey.String,
		Categories:    []string(r.Categories),
		CreditDebited: r.CreditDebited,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}

	if r.Instrumental.Valid {
		v := r.Instrumental.Bool
		job.Params.Instrumental = &v
	}
	if r.GuidanceScale.Valid {
		v := r.GuidanceScale.Float64
		job.Params.GuidanceScale = &v
	}
	if r.InferStep.Valid {
		v := int(r.InferStep.Int32)
		job.Params.InferStep = &v
	}
	if r.AudioDuration.Valid {
		v := r.AudioDuration.Float64
		job.Params.AudioDuration = &v
	}
	if r.Seed.Valid {
		v := r.Seed.Int64
		job.Params.Seed = &v
	}

	return job
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt32(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
