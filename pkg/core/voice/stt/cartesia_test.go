package stt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-voicebox/pkg/core/audio"
)

func TestNewCartesiaDefaults(t *testing.T) {
	c := NewCartesia("key", Options{}, nil)
	assert.Equal(t, "cartesia", c.Name())
	assert.Equal(t, "ink-whisper", c.opts.Model)
	assert.Equal(t, audio.DeviceFormat, c.opts.Format)
	assert.NotNil(t, c.httpClient)
}

func TestTranscribeUploadsWAV(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stt", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, cartesiaVersion, r.Header.Get("Cartesia-Version"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "ink-whisper", r.FormValue("model"))
		assert.Equal(t, "zh", r.FormValue("language"))

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		b, err := io.ReadAll(f)
		require.NoError(t, err)
		got, format, err := audio.DecodeWAVBytes(b)
		require.NoError(t, err)
		assert.Equal(t, audio.DeviceFormat, format)
		assert.Equal(t, pcm, got)

		_, _ = w.Write([]byte(`{"text":"你好","language":"zh","duration":0.5}`))
	}))
	defer srv.Close()

	c := NewCartesia("key", Options{Language: "zh", BaseURL: srv.URL}, srv.Client())
	text, err := c.Transcribe(context.Background(), pcm)
	require.NoError(t, err)
	assert.Equal(t, "你好", text)
}

func TestTranscribeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewCartesia("key", Options{BaseURL: srv.URL}, srv.Client())
	_, err := c.Transcribe(context.Background(), []byte{0, 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cartesia error 401")
}
