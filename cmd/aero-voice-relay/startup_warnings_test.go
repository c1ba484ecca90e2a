package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	return slog.New(h), func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := make(map[string]recordedLog)
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:     config.ModeDev,
		AuthMode: config.AuthModeNone,
	})

	r, ok := warningCodes(records())["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:           config.ModeDev,
		AuthMode:       config.AuthModeAPIKey,
		APIKey:         "secret",
		AllowedOrigins: []string{"*"},
	})

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_ShortJWTSecret(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:      config.ModeProd,
		AuthMode:  config.AuthModeJWT,
		JWTSecret: "short",
	})

	r, ok := warningCodes(records())["jwt_secret_short"]
	if !ok {
		t.Fatalf("expected warning_code=jwt_secret_short, got %#v", records())
	}
	if r.attrs["jwt_secret_bytes"] != int64(5) {
		t.Fatalf("jwt_secret_bytes attr = %#v, want 5", r.attrs["jwt_secret_bytes"])
	}
}

func TestStartupSecurityWarnings_PlaintextRedisInProd(t *testing.T) {
	cfg := config.Config{
		Mode:     config.ModeProd,
		AuthMode: config.AuthModeAPIKey,
		APIKey:   "secret",
		RedisURL: "redis://cache.internal:6379/0",
	}

	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, cfg)
	r, ok := warningCodes(records())["redis_plaintext_in_prod"]
	if !ok {
		t.Fatalf("expected warning_code=redis_plaintext_in_prod, got %#v", records())
	}
	if r.attrs["redis_host"] != "cache.internal:6379" {
		t.Fatalf("redis_host attr = %#v", r.attrs["redis_host"])
	}

	cfg.RedisURL = "rediss://cache.internal:6380/0"
	logger, records = newRecordingLogger()
	logStartupSecurityWarnings(logger, cfg)
	if _, ok := warningCodes(records())["redis_plaintext_in_prod"]; ok {
		t.Fatalf("unexpected redis warning for rediss://")
	}
}

func TestStartupSecurityWarnings_QuietForSafeConfig(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:                          config.ModeProd,
		AuthMode:                      config.AuthModeJWT,
		JWTSecret:                     strings.Repeat("k", 48),
		AllowedOrigins:                []string{"https://app.example.com"},
		MaxSignalingMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: config.DefaultMaxSignalingMessagesPerSecond,
	})

	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("warnings=%v, want none", got)
	}
}
