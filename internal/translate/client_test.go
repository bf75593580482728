package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Translate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/translate", r.URL.Path)
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, request{Text: "hello", SourceLang: "en", TargetLang: "de"}, req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"translated_text":"hallo"}`))
	}))
	defer srv.Close()

	out, err := New(srv.URL).Translate(context.Background(), "hello", "en", "de")
	require.NoError(t, err)
	assert.Equal(t, "hallo", out)
}

func TestClient_TranslateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Translate(context.Background(), "hello", "en", "de")
	assert.ErrorContains(t, err, "502")
}
