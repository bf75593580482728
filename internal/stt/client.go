// Package stt is the client of the speech-to-text service.
package stt

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	StreamStartTimeout = 15 * time.Second
	TranscribeTimeout  = 5 * time.Second
	StreamEndTimeout   = 5 * time.Second
)

type streamStartRequest struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
}

type transcribeRequest struct {
	ParticipantID string `json:"participant_id"`
	AudioData     string `json:"audio_data"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	Format        string `json:"format"`
}

type streamEndRequest struct {
	ParticipantID string `json:"participant_id"`
}

// Result is a transcription of one utterance.
type Result struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

type Client struct {
	http *resty.Client
}

func New(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *Client) post(ctx context.Context, timeout time.Duration, path string, body, result any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req := c.http.R().SetContext(ctx).SetBody(body)
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("stt %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("stt %s: status %d", path, resp.StatusCode())
	}
	return nil
}

func (c *Client) StreamStart(ctx context.Context, roomID, participantID string, sampleRate, channels int) error {
	return c.post(ctx, StreamStartTimeout, "/api/v1/stream-start", streamStartRequest{
		RoomID:        roomID,
		ParticipantID: participantID,
		SampleRate:    sampleRate,
		Channels:      channels,
	}, nil)
}

// Transcribe sends one PCM16 utterance.
func (c *Client) Transcribe(ctx context.Context, participantID string, pcm []byte, sampleRate, channels int) (Result, error) {
	var out Result
	err := c.post(ctx, TranscribeTimeout, "/api/v1/transcribe-stream", transcribeRequest{
		ParticipantID: participantID,
		AudioData:     base64.StdEncoding.EncodeToString(pcm),
		SampleRate:    sampleRate,
		Channels:      channels,
		Format:        "pcm16",
	}, &out)
	return out, err
}

func (c *Client) StreamEnd(ctx context.Context, participantID string) error {
	return c.post(ctx, StreamEndTimeout, "/api/v1/stream-end", streamEndRequest{ParticipantID: participantID}, nil)
}
