package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Transcribe(t *testing.T) {
	var got transcribeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transcribe-stream", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello","language":"en","confidence":0.9,"is_final":true}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).Transcribe(context.Background(), "p1", []byte{1, 2, 3, 4}, 16000, 1)
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "hello", Language: "en", Confidence: 0.9, IsFinal: true}, res)

	assert.Equal(t, "p1", got.ParticipantID)
	assert.Equal(t, 16000, got.SampleRate)
	assert.Equal(t, 1, got.Channels)
	assert.Equal(t, "pcm16", got.Format)
	raw, err := base64.StdEncoding.DecodeString(got.AudioData)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, raw)
}

func TestClient_StreamLifecycle(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.StreamStart(context.Background(), "room_1", "p1", 48000, 1))
	require.NoError(t, c.StreamEnd(context.Background(), "p1"))
	assert.Equal(t, []string{"/api/v1/stream-start", "/api/v1/stream-end"}, paths)
}

func TestClient_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Transcribe(context.Background(), "p1", nil, 16000, 1)
	assert.ErrorContains(t, err, "status 503")

	srv.Close()
	_, err = New(srv.URL).Transcribe(context.Background(), "p1", nil, 16000, 1)
	assert.Error(t, err)
}
