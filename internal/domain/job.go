package domain

import (
	"strings"
	"time"
)

// Job represents a song generation request and its lifecycle state
type Job struct {
	ID            string
	UserID        string
	Title         string
	Status        JobStatus
	Request       RequestFields
	Params        Params
	AudioKey      string
	ThumbnailKey  string
	Categories    []string
	CreditDebited bool
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RequestFields holds the raw request columns of a job. Exactly one
// RequestMode is derived from them, see Mode.
type RequestFields struct {
	FullDescribedSong string
	Prompt            string
	Lyrics            string
	DescribedLyrics   string
}

// Params are generation tuning values passed to the gateway verbatim
type Params struct {
	GuidanceScale *float64
	InferStep     *int
	AudioDuration *float64
	Seed          *int64
	Instrumental  *bool
}

// ModeKind names a request variant
type ModeKind string

const (
	ModeFullDescription           ModeKind = "full_description"
	ModePromptWithLyrics          ModeKind = "prompt_with_lyrics"
	ModePromptWithDescribedLyrics ModeKind = "prompt_with_described_lyrics"
)

// RequestMode is one of FullDescription, PromptWithLyrics or PromptWithDescribedLyrics
type RequestMode interface {
	Kind() ModeKind
}

// FullDescription asks the gateway to write everything from a free-form description
type FullDescription struct {
	Text string
}

// PromptWithLyrics pairs a style prompt with user supplied lyrics
type PromptWithLyrics struct {
	Prompt string
	Lyrics string
}

// PromptWithDescribedLyrics pairs a style prompt with a description the gateway turns into lyrics
type PromptWithDescribedLyrics struct {
	Prompt          string
	DescribedLyrics string
}

func (FullDescription) Kind() ModeKind           { return ModeFullDescription }
func (PromptWithLyrics) Kind() ModeKind          { return ModePromptWithLyrics }
func (PromptWithDescribedLyrics) Kind() ModeKind { return ModePromptWithDescribedLyrics }

// Mode derives the request variant with precedence FullDescription,
// then PromptWithLyrics, then PromptWithDescribedLyrics.
func (r RequestFields) Mode() (RequestMode, error) {
	desc := strings.TrimSpace(r.FullDescribedSong)
	prompt := strings.TrimSpace(r.Prompt)
	lyrics := strings.TrimSpace(r.Lyrics)
	described := strings.TrimSpace(r.DescribedLyrics)

	switch {
	case desc != "":
		return FullDescription{Text: r.FullDescribedSong}, nil
	case prompt != "" && lyrics != "":
		return PromptWithLyrics{Prompt: r.Prompt, Lyrics: r.Lyrics}, nil
	case prompt != "" && described != "":
		return PromptWithDescribedLyrics{Prompt: r.Prompt, DescribedLyrics: r.DescribedLyrics}, nil
	default:
		return nil, ErrNoRequestMode
	}
}

// ValidateSubmission checks that exactly one request variant is populated
// and that no field of another variant is set alongside it.
func (r RequestFields) ValidateSubmission() (RequestMode, error) {
	desc := strings.TrimSpace(r.FullDescribedSong) != ""
	prompt := strings.TrimSpace(r.Prompt) != ""
	lyrics := strings.TrimSpace(r.Lyrics) != ""
	described := strings.TrimSpace(r.DescribedLyrics) != ""

	var matched int
	if desc {
		matched++
	}
	if prompt && lyrics {
		matched++
	}
	if prompt && described {
		matched++
	}
	if matched > 1 || (desc && (prompt || lyrics || described)) {
		return nil, ErrAmbiguousRequestMode
	}
	if matched == 0 {
		return nil, ErrNoRequestMode
	}
	return r.Mode()
}

// SubmittedMessage is the "job submitted" event carried by the dispatcher
type SubmittedMessage struct {
	JobID  string `json:"job_id"`
	UserID string `json:"user_id"`
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	UserID      string `json:"user_id"`
	DeliveryTag uint64 `json:"-"`
}
