// Package config loads service settings from REKACAD_* environment variables,
// optionally layered over a YAML file named by REKACAD_CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "REKACAD_"

const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"

type Config struct {
	ListenAddr  string
	APIKeys     []string
	CORSOrigins []string
	RateLimit   int
	LogLevel    slog.Level

	DBPath        string
	Concurrency   int
	QueueSize     int
	SweepInterval time.Duration

	WorkDir    string
	FFmpegPath string

	SpeechURL      string
	SpeechLanguage string
	SpeechTask     string

	GenerationProvider string
	OpenRouterURL      string
	OpenRouterAPIKey   string
	OpenRouterModel    string
	GeminiAPIKey       string
	GeminiModel        string
	GeminiBaseURL      string
	SummaryMaxTokens   int
	NotesMaxTokens     int

	ExtractTimeout    time.Duration
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration

	WebhookAllowPrivate bool

	WatchDir   string
	WatchOwner string
	WatchGroup string
}

// source resolves a key from the environment first, then from the file.
// File keys are the env names without the prefix, lower-cased:
// REKACAD_LISTEN_ADDR is listen_addr.
type source struct {
	file map[string]string
}

func Load() (*Config, error) {
	src, err := loadFile(os.Getenv(envPrefix + "CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:         src.get("LISTEN_ADDR", ":8080"),
		DBPath:             src.get("DB_PATH", "rekacad.db"),
		WorkDir:            src.get("WORK_DIR", filepath.Join(os.TempDir(), "rekacad")),
		FFmpegPath:         src.get("FFMPEG_PATH", "ffmpeg"),
		SpeechURL:          src.get("SPEECH_URL", ""),
		SpeechLanguage:     src.get("SPEECH_LANGUAGE", "russian"),
		SpeechTask:         src.get("SPEECH_TASK", "transcribe"),
		GenerationProvider: strings.ToLower(src.get("GENERATION_PROVIDER", ProviderOpenRouter)),
		OpenRouterURL:      src.get("OPENROUTER_URL", defaultOpenRouterURL),
		OpenRouterAPIKey:   src.get("OPENROUTER_API_KEY", ""),
		OpenRouterModel:    src.get("OPENROUTER_MODEL", "meta-llama/llama-4-scout:free"),
		GeminiAPIKey:       src.get("GEMINI_API_KEY", ""),
		GeminiModel:        src.get("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:      src.get("GEMINI_BASE_URL", ""),
		WatchDir:           src.get("WATCH_DIR", ""),
		WatchOwner:         src.get("WATCH_OWNER", "watcher"),
		WatchGroup:         src.get("WATCH_GROUP", "default"),
		APIKeys:            splitList(src.get("API_KEYS", "")),
		CORSOrigins:        splitList(src.get("CORS_ORIGINS", "")),
	}

	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("REKACAD_API_KEYS must not be empty")
	}
	if cfg.SpeechURL == "" {
		return nil, errors.New("REKACAD_SPEECH_URL must not be empty")
	}

	switch cfg.GenerationProvider {
	case ProviderOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("REKACAD_OPENROUTER_API_KEY is required for the openrouter provider")
		}
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("REKACAD_GEMINI_API_KEY is required for the gemini provider")
		}
	default:
		return nil, fmt.Errorf("REKACAD_GENERATION_PROVIDER %q must be one of: openrouter, gemini", cfg.GenerationProvider)
	}

	ints := []struct {
		key      string
		dst      *int
		fallback int
		min      int
	}{
		{"CONCURRENCY", &cfg.Concurrency, 1, 1},
		{"QUEUE_SIZE", &cfg.QueueSize, 1000, 1},
		{"RATE_LIMIT", &cfg.RateLimit, 0, 0},
		{"SUMMARY_MAX_TOKENS", &cfg.SummaryMaxTokens, 1500, 1},
		{"NOTES_MAX_TOKENS", &cfg.NotesMaxTokens, 5000, 1},
	}
	for _, f := range ints {
		n, err := src.getInt(f.key, f.fallback)
		if err != nil {
			return nil, fmt.Errorf("%s%s: %w", envPrefix, f.key, err)
		}
		if n < f.min {
			return nil, fmt.Errorf("%s%s must be >= %d", envPrefix, f.key, f.min)
		}
		*f.dst = n
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"SWEEP_INTERVAL", &cfg.SweepInterval, time.Minute},
		{"EXTRACT_TIMEOUT", &cfg.ExtractTimeout, 30 * time.Minute},
		{"TRANSCRIBE_TIMEOUT", &cfg.TranscribeTimeout, 2 * time.Hour},
		{"GENERATE_TIMEOUT", &cfg.GenerateTimeout, 10 * time.Minute},
	}
	for _, f := range durations {
		d, err := src.getDuration(f.key, f.fallback)
		if err != nil {
			return nil, fmt.Errorf("%s%s: %w", envPrefix, f.key, err)
		}
		*f.dst = d
	}
	if cfg.SweepInterval <= 0 {
		return nil, errors.New("REKACAD_SWEEP_INTERVAL must be > 0")
	}

	cfg.WebhookAllowPrivate, err = src.getBool("WEBHOOK_ALLOW_PRIVATE", false)
	if err != nil {
		return nil, fmt.Errorf("REKACAD_WEBHOOK_ALLOW_PRIVATE: %w", err)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(src.get("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("REKACAD_LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// loadFile reads an optional YAML file of scalar or list values.
func loadFile(path string) (source, error) {
	src := source{file: map[string]string{}}
	if path == "" {
		return src, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return src, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return src, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range raw {
		key := strings.ToLower(k)
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			src.file[key] = strings.Join(parts, ",")
		case map[string]any:
			return src, fmt.Errorf("config file %s: key %q must be a scalar or a list", path, k)
		default:
			src.file[key] = fmt.Sprint(val)
		}
	}
	return src, nil
}

func (s source) get(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	if v := s.file[strings.ToLower(key)]; v != "" {
		return v
	}
	return fallback
}

func (s source) getInt(key string, fallback int) (int, error) {
	v := s.get(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func (s source) getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := s.get(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func (s source) getBool(key string, fallback bool) (bool, error) {
	v := s.get(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
