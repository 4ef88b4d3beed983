// Package config loads the gateway configuration from VOICEBOX_* environment
// variables, an optional config file and command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "VOICEBOX"

type MemoryBackend string

const (
	MemoryInProcess MemoryBackend = "memory"
	MemoryRedis     MemoryBackend = "redis"
	MemoryPostgres  MemoryBackend = "postgres"
)

type DialogueProvider string

const (
	DialogueOpenAI DialogueProvider = "openai"
	DialogueGemini DialogueProvider = "gemini"
)

type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	// Reply streaming.
	ReplyChunkBytes  int
	ReplyBurstChunks int
	ReplyYield       time.Duration
	ReplyLeadDelay   time.Duration

	// Device websocket.
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	WSReadTimeout       time.Duration
	JSONHeartbeat       bool
	MaxFrameBytes       int64
	MaxUtteranceBytes   int
	InboundAudioFPS     int
	InboundAudioBPS     int64
	InboundBurstSeconds int
	OutboundQueue       int
	ObserverQueue       int
	NotifyErrors        bool
	FlushOnDisconnect   bool

	// Pipeline.
	PipelineWorkers int
	StageTimeout    time.Duration
	LoopbackWAV     string
	RecordDir       string

	// Conversation memory.
	MemoryBackend  MemoryBackend
	MemoryMaxTurns int
	RedisURL       string
	RedisKeyPrefix string
	RedisTTL       time.Duration
	PostgresDSN    string

	// Dialogue model.
	DialogueProvider    DialogueProvider
	DialogueAPIKey      string
	DialogueModel       string
	DialogueBaseURL     string
	DialogueTemperature float64
	DialogueMaxTokens   int
	SystemPrompt        string
	PromptTemplate      string

	// Speech services.
	CartesiaAPIKey  string
	CartesiaBaseURL string
	STTModel        string
	STTLanguage     string
	TTSModel        string
	TTSVoice        string
	TTSLanguage     string
	TTSSpeed        float64
	UpstreamTimeout time.Duration

	// HTTP surface.
	CORSAllowedOrigins  map[string]struct{} // empty => disabled
	MaxBodyBytes        int64
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

// SetDefaults registers every key with its default so viper's AutomaticEnv
// resolves VOICEBOX_<KEY> for all of them.
func SetDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"addr":       ":8000",
		"log_level":  "info",
		"log_format": "text",

		"reply_chunk_bytes":  1024,
		"reply_burst_chunks": 8,
		"reply_yield":        time.Millisecond,
		"reply_lead_delay":   100 * time.Millisecond,

		"ws_ping_interval":      20 * time.Second,
		"ws_write_timeout":      5 * time.Second,
		"ws_read_timeout":       time.Duration(0),
		"json_heartbeat":        false,
		"max_frame_bytes":       64 * 1024,
		"max_utterance_bytes":   16000 * 2 * 60, // one minute of device audio
		"inbound_audio_fps":     0,
		"inbound_audio_bps":     0,
		"inbound_burst_seconds": 2,
		"outbound_queue":        64,
		"observer_queue":        16,
		"notify_errors":         true,
		"flush_on_disconnect":   false,

		"pipeline_workers": 0,
		"stage_timeout":    time.Duration(0),
		"loopback_wav":     "",
		"record_dir":       "",

		"memory_backend":   string(MemoryInProcess),
		"memory_max_turns": 0,
		"redis_url":        "redis://localhost:6379/0",
		"redis_key_prefix": "message_store:",
		"redis_ttl":        time.Duration(0),
		"postgres_dsn":     "",

		"dialogue_provider":    string(DialogueOpenAI),
		"dialogue_api_key":     "",
		"dialogue_model":       "",
		"dialogue_base_url":    "https://api.openai.com/v1",
		"dialogue_temperature": 0.7,
		"dialogue_max_tokens":  0,
		"system_prompt":        "",
		"prompt_template":      "",

		"cartesia_api_key":  "",
		"cartesia_base_url": "https://api.cartesia.ai",
		"stt_model":         "ink-whisper",
		"stt_language":      "",
		"tts_model":         "sonic-2",
		"tts_voice":         "",
		"tts_language":      "",
		"tts_speed":         0.0,
		"upstream_timeout":  60 * time.Second,

		"cors_origins":          "",
		"max_body_bytes":        1 << 20,
		"read_header_timeout":   10 * time.Second,
		"shutdown_grace_period": 30 * time.Second,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// New returns a viper instance bound to the VOICEBOX_ environment.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads an optional config file, then resolves and validates the
// configuration. Environment variables override file values.
func Load(v *viper.Viper, file string) (Config, error) {
	if v == nil {
		v = New()
	}
	if strings.TrimSpace(file) != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := Config{
		Addr:      strings.TrimSpace(v.GetString("addr")),
		LogLevel:  strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFormat: strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),

		ReplyChunkBytes:  v.GetInt("reply_chunk_bytes"),
		ReplyBurstChunks: v.GetInt("reply_burst_chunks"),
		ReplyYield:       v.GetDuration("reply_yield"),
		ReplyLeadDelay:   v.GetDuration("reply_lead_delay"),

		WSPingInterval:      v.GetDuration("ws_ping_interval"),
		WSWriteTimeout:      v.GetDuration("ws_write_timeout"),
		WSReadTimeout:       v.GetDuration("ws_read_timeout"),
		JSONHeartbeat:       v.GetBool("json_heartbeat"),
		MaxFrameBytes:       v.GetInt64("max_frame_bytes"),
		MaxUtteranceBytes:   v.GetInt("max_utterance_bytes"),
		InboundAudioFPS:     v.GetInt("inbound_audio_fps"),
		InboundAudioBPS:     v.GetInt64("inbound_audio_bps"),
		InboundBurstSeconds: v.GetInt("inbound_burst_seconds"),
		OutboundQueue:       v.GetInt("outbound_queue"),
		ObserverQueue:       v.GetInt("observer_queue"),
		NotifyErrors:        v.GetBool("notify_errors"),
		FlushOnDisconnect:   v.GetBool("flush_on_disconnect"),

		PipelineWorkers: v.GetInt("pipeline_workers"),
		StageTimeout:    v.GetDuration("stage_timeout"),
		LoopbackWAV:     strings.TrimSpace(v.GetString("loopback_wav")),
		RecordDir:       strings.TrimSpace(v.GetString("record_dir")),

		MemoryBackend:  MemoryBackend(strings.ToLower(strings.TrimSpace(v.GetString("memory_backend")))),
		MemoryMaxTurns: v.GetInt("memory_max_turns"),
		RedisURL:       strings.TrimSpace(v.GetString("redis_url")),
		RedisKeyPrefix: v.GetString("redis_key_prefix"),
		RedisTTL:       v.GetDuration("redis_ttl"),
		PostgresDSN:    strings.TrimSpace(v.GetString("postgres_dsn")),

		DialogueProvider:    DialogueProvider(strings.ToLower(strings.TrimSpace(v.GetString("dialogue_provider")))),
		DialogueAPIKey:      strings.TrimSpace(v.GetString("dialogue_api_key")),
		DialogueModel:       strings.TrimSpace(v.GetString("dialogue_model")),
		DialogueBaseURL:     strings.TrimSpace(v.GetString("dialogue_base_url")),
		DialogueTemperature: v.GetFloat64("dialogue_temperature"),
		DialogueMaxTokens:   v.GetInt("dialogue_max_tokens"),
		SystemPrompt:        v.GetString("system_prompt"),
		PromptTemplate:      v.GetString("prompt_template"),

		CartesiaAPIKey:  strings.TrimSpace(v.GetString("cartesia_api_key")),
		CartesiaBaseURL: strings.TrimSpace(v.GetString("cartesia_base_url")),
		STTModel:        strings.TrimSpace(v.GetString("stt_model")),
		STTLanguage:     strings.TrimSpace(v.GetString("stt_language")),
		TTSModel:        strings.TrimSpace(v.GetString("tts_model")),
		TTSVoice:        strings.TrimSpace(v.GetString("tts_voice")),
		TTSLanguage:     strings.TrimSpace(v.GetString("tts_language")),
		TTSSpeed:        v.GetFloat64("tts_speed"),
		UpstreamTimeout: v.GetDuration("upstream_timeout"),

		CORSAllowedOrigins:  make(map[string]struct{}),
		MaxBodyBytes:        v.GetInt64("max_body_bytes"),
		ReadHeaderTimeout:   v.GetDuration("read_header_timeout"),
		ShutdownGracePeriod: v.GetDuration("shutdown_grace_period"),
	}
	for _, origin := range splitCSV(v.GetString("cors_origins")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	if cfg.Addr == "" {
		return fmt.Errorf("VOICEBOX_ADDR must not be empty")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("VOICEBOX_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("VOICEBOX_LOG_FORMAT must be one of text|json")
	}

	if cfg.ReplyChunkBytes <= 0 {
		return fmt.Errorf("VOICEBOX_REPLY_CHUNK_BYTES must be > 0")
	}
	if cfg.ReplyChunkBytes%2 != 0 {
		return fmt.Errorf("VOICEBOX_REPLY_CHUNK_BYTES must be even (16-bit samples)")
	}
	if cfg.ReplyBurstChunks <= 0 {
		return fmt.Errorf("VOICEBOX_REPLY_BURST_CHUNKS must be > 0")
	}
	if cfg.ReplyYield < 0 {
		return fmt.Errorf("VOICEBOX_REPLY_YIELD must be >= 0")
	}
	if cfg.ReplyLeadDelay < 0 {
		return fmt.Errorf("VOICEBOX_REPLY_LEAD_DELAY must be >= 0")
	}

	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("VOICEBOX_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("VOICEBOX_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return fmt.Errorf("VOICEBOX_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSReadTimeout > 0 && cfg.WSReadTimeout <= cfg.WSPingInterval {
		return fmt.Errorf("VOICEBOX_WS_READ_TIMEOUT must exceed VOICEBOX_WS_PING_INTERVAL")
	}
	if cfg.MaxFrameBytes <= 0 {
		return fmt.Errorf("VOICEBOX_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.MaxUtteranceBytes < 0 {
		return fmt.Errorf("VOICEBOX_MAX_UTTERANCE_BYTES must be >= 0")
	}
	if cfg.InboundAudioFPS < 0 {
		return fmt.Errorf("VOICEBOX_INBOUND_AUDIO_FPS must be >= 0")
	}
	if cfg.InboundAudioBPS < 0 {
		return fmt.Errorf("VOICEBOX_INBOUND_AUDIO_BPS must be >= 0")
	}
	if (cfg.InboundAudioFPS > 0 || cfg.InboundAudioBPS > 0) && cfg.InboundBurstSeconds < 1 {
		return fmt.Errorf("VOICEBOX_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.OutboundQueue <= 0 {
		return fmt.Errorf("VOICEBOX_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.ObserverQueue <= 0 {
		return fmt.Errorf("VOICEBOX_OBSERVER_QUEUE must be > 0")
	}

	if cfg.PipelineWorkers < 0 {
		return fmt.Errorf("VOICEBOX_PIPELINE_WORKERS must be >= 0")
	}
	if cfg.StageTimeout < 0 {
		return fmt.Errorf("VOICEBOX_STAGE_TIMEOUT must be >= 0")
	}

	switch cfg.MemoryBackend {
	case MemoryInProcess:
	case MemoryRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("VOICEBOX_REDIS_URL must be set when VOICEBOX_MEMORY_BACKEND=redis")
		}
	case MemoryPostgres:
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("VOICEBOX_POSTGRES_DSN must be set when VOICEBOX_MEMORY_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("VOICEBOX_MEMORY_BACKEND must be one of memory|redis|postgres")
	}
	if cfg.MemoryMaxTurns < 0 {
		return fmt.Errorf("VOICEBOX_MEMORY_MAX_TURNS must be >= 0")
	}
	if cfg.MemoryMaxTurns%2 != 0 {
		return fmt.Errorf("VOICEBOX_MEMORY_MAX_TURNS must be even so trimming keeps whole pairs")
	}
	if cfg.RedisTTL < 0 {
		return fmt.Errorf("VOICEBOX_REDIS_TTL must be >= 0")
	}

	switch cfg.DialogueProvider {
	case DialogueOpenAI:
		if cfg.DialogueBaseURL == "" {
			return fmt.Errorf("VOICEBOX_DIALOGUE_BASE_URL must not be empty")
		}
	case DialogueGemini:
	default:
		return fmt.Errorf("VOICEBOX_DIALOGUE_PROVIDER must be one of openai|gemini")
	}
	if cfg.DialogueMaxTokens < 0 {
		return fmt.Errorf("VOICEBOX_DIALOGUE_MAX_TOKENS must be >= 0")
	}
	if cfg.TTSSpeed < 0 {
		return fmt.Errorf("VOICEBOX_TTS_SPEED must be >= 0")
	}
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("VOICEBOX_UPSTREAM_TIMEOUT must be > 0")
	}

	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("VOICEBOX_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOICEBOX_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICEBOX_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

// Loopback reports whether replies come from a fixed WAV instead of the
// speech pipeline. No provider keys are needed in that mode.
func (cfg Config) Loopback() bool { return cfg.LoopbackWAV != "" }

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
