package gateway

import (
	"fmt"

	"github.com/cuongbtq/songforge/internal/domain"
)

// Endpoint selects one of the gateway's generation endpoints
type Endpoint string

const (
	EndpointDescription     Endpoint = "description"
	EndpointLyrics          Endpoint = "lyrics"
	EndpointDescribedLyrics Endpoint = "described_lyrics"
)

// GenerateRequest is the JSON body sent to every endpoint. Only the fields
// of the selected request mode are set.
type GenerateRequest struct {
	Prompt            string   `json:"prompt,omitempty"`
	Lyrics            string   `json:"lyrics,omitempty"`
	FullDescribedSong string   `json:"full_described_song,omitempty"`
	DescribedLyrics   string   `json:"described_lyrics,omitempty"`
	Instrumental      *bool    `json:"instrumental,omitempty"`
	GuidanceScale     *float64 `json:"guidance_scale,omitempty"`
	InferStep         *int     `json:"infer_step,omitempty"`
	AudioDuration     *float64 `json:"audio_duration,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
}

// NewRequest maps a request mode and its tuning params to an endpoint and body
func NewRequest(mode domain.RequestMode, params domain.Params) (Endpoint, GenerateRequest, error) {
	req := GenerateRequest{
		Instrumental:  params.Instrumental,
		GuidanceScale: params.GuidanceScale,
		InferStep:     params.InferStep,
		AudioDuration: params.AudioDuration,
		Seed:          params.Seed,
	}

	switch m := mode.(type) {
	case domain.FullDescription:
		req.FullDescribedSong = m.Text
		return EndpointDescription, req, nil
	case domain.PromptWithLyrics:
		req.Prompt = m.Prompt
		req.Lyrics = m.Lyrics
		return EndpointLyrics, req, nil
	case domain.PromptWithDescribedLyrics:
		req.Prompt = m.Prompt
		req.DescribedLyrics = m.DescribedLyrics
		return EndpointDescribedLyrics, req, nil
	default:
		return "", GenerateRequest{}, fmt.Errorf("%w: unsupported mode %T", domain.ErrNoRequestMode, mode)
	}
}
