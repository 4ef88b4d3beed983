package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, 1024, cfg.ReplyChunkBytes)
	assert.Equal(t, 8, cfg.ReplyBurstChunks)
	assert.Equal(t, time.Millisecond, cfg.ReplyYield)
	assert.Equal(t, 100*time.Millisecond, cfg.ReplyLeadDelay)
	assert.Equal(t, 20*time.Second, cfg.WSPingInterval)
	assert.True(t, cfg.NotifyErrors)
	assert.False(t, cfg.FlushOnDisconnect)
	assert.Equal(t, MemoryInProcess, cfg.MemoryBackend)
	assert.Equal(t, "message_store:", cfg.RedisKeyPrefix)
	assert.Equal(t, DialogueOpenAI, cfg.DialogueProvider)
	assert.Empty(t, cfg.CORSAllowedOrigins)
	assert.False(t, cfg.Loopback())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VOICEBOX_ADDR", ":9100")
	t.Setenv("VOICEBOX_REPLY_CHUNK_BYTES", "3200")
	t.Setenv("VOICEBOX_REPLY_YIELD", "5ms")
	t.Setenv("VOICEBOX_JSON_HEARTBEAT", "true")
	t.Setenv("VOICEBOX_NOTIFY_ERRORS", "false")
	t.Setenv("VOICEBOX_MEMORY_BACKEND", "Redis")
	t.Setenv("VOICEBOX_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("VOICEBOX_LOOPBACK_WAV", "/tmp/reply.wav")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, 3200, cfg.ReplyChunkBytes)
	assert.Equal(t, 5*time.Millisecond, cfg.ReplyYield)
	assert.True(t, cfg.JSONHeartbeat)
	assert.False(t, cfg.NotifyErrors)
	assert.Equal(t, MemoryRedis, cfg.MemoryBackend)
	assert.Len(t, cfg.CORSAllowedOrigins, 2)
	assert.Contains(t, cfg.CORSAllowedOrigins, "https://b.example")
	assert.True(t, cfg.Loopback())
}

func TestLoadConfigFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicebox.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":7000\"\npipeline_workers: 4\nstt_language: zh\n"), 0o600))
	t.Setenv("VOICEBOX_PIPELINE_WORKERS", "2")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, 2, cfg.PipelineWorkers)
	assert.Equal(t, "zh", cfg.STTLanguage)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{"VOICEBOX_REPLY_CHUNK_BYTES": "0"}, "VOICEBOX_REPLY_CHUNK_BYTES must be > 0"},
		{map[string]string{"VOICEBOX_REPLY_CHUNK_BYTES": "1023"}, "VOICEBOX_REPLY_CHUNK_BYTES must be even"},
		{map[string]string{"VOICEBOX_LOG_LEVEL": "loud"}, "VOICEBOX_LOG_LEVEL"},
		{map[string]string{"VOICEBOX_MEMORY_BACKEND": "sqlite"}, "VOICEBOX_MEMORY_BACKEND"},
		{map[string]string{"VOICEBOX_MEMORY_BACKEND": "postgres"}, "VOICEBOX_POSTGRES_DSN must be set"},
		{map[string]string{"VOICEBOX_DIALOGUE_PROVIDER": "ark"}, "VOICEBOX_DIALOGUE_PROVIDER"},
		{map[string]string{"VOICEBOX_PIPELINE_WORKERS": "-1"}, "VOICEBOX_PIPELINE_WORKERS must be >= 0"},
		{map[string]string{"VOICEBOX_MEMORY_MAX_TURNS": "3"}, "VOICEBOX_MEMORY_MAX_TURNS must be even"},
		{map[string]string{"VOICEBOX_INBOUND_AUDIO_BPS": "32000", "VOICEBOX_INBOUND_BURST_SECONDS": "0"}, "VOICEBOX_INBOUND_BURST_SECONDS"},
		{map[string]string{"VOICEBOX_WS_READ_TIMEOUT": "10s"}, "VOICEBOX_WS_READ_TIMEOUT must exceed"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(New(), "")
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.want), "err=%v", err)
		})
	}
}
