// Command aero-voice-agent is a headless call endpoint. It registers with a
// signaling relay, answers or places calls and sends an Ogg/Opus file (or
// silence) as its microphone. Received audio is metered, not played.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/tone"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/webrtcpeer"
)

func main() {
	cfg, err := config.LoadAgent(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so network misconfiguration fails fast.
	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{Network: cfg.WebRTC, Logger: logger})
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting aero-voice-agent",
		"participant_id", cfg.ParticipantID,
		"relay_url", cfg.RelayURL,
		"mode", cfg.Mode,
		"capture_file", cfg.CaptureFile,
		"auto_answer", cfg.AutoAnswer,
	)

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	relay, err := signaling.Dial(dialCtx, signaling.ClientConfig{
		URL:         cfg.RelayURL,
		Participant: cfg.ParticipantID,
		APIKey:      cfg.APIKey,
		Token:       cfg.Token,
		Logger:      logger,
	})
	cancelDial()
	if err != nil {
		logger.Error("failed to connect to relay", "err", err)
		os.Exit(1)
	}
	defer relay.Close()

	out := media.NewMeterOutput()
	tones := tone.NewController(
		tone.NewFilePlayer("calling", cfg.CallingTone, out, logger),
		tone.NewFilePlayer("ring", cfg.RingTone, out, logger),
		logger,
	)
	defer tones.Close()

	m := metrics.New()
	var mgr *call.Manager
	mgr = call.NewManager(call.ManagerConfig{
		LocalID:    cfg.ParticipantID,
		Relay:      relay,
		AutoAnswer: cfg.AutoAnswer,
		NewMedia: func() call.Media {
			return media.NewPipeline(media.PipelineConfig{
				Capturer:  capturer(cfg, logger),
				Output:    out,
				Logger:    logger,
				SpeakerOn: true,
			})
		},
		NewTransport: webrtcpeer.NewTransportFactory(api, cfg.ICEServers),
		Tones:        tones,
		Observer: call.ObserverFuncs{
			Status: func(c call.StatusChange) {
				attrs := []any{"call_id", c.SessionID, "from", c.From.String(), "to", c.To.String()}
				if c.To.Terminal() {
					attrs = append(attrs, "reason", string(c.Reason))
				}
				logger.Info("call status", attrs...)
			},
			Duration: func(d time.Duration) {
				s := mgr.Active()
				if s == nil {
					return
				}
				attrs := []any{"call_id", s.ID(), "duration", call.FormatDuration(d)}
				for _, id := range s.Remotes() {
					l := out.Level(id)
					attrs = append(attrs, id+"_packets", l.Packets, id+"_audible", l.Audible)
				}
				logger.Debug("call duration", attrs...)
			},
		},
		Logger:  logger,
		Metrics: m,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = mgr.Run(runCtx)
	}()

	if len(cfg.Call) > 0 {
		if _, err := mgr.Dial(ctx, cfg.Call, cfg.GroupCall); err != nil {
			logger.Error("outbound call failed", "participants", cfg.Call, "err", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-relay.Done():
		logger.Error("relay connection lost", "err", relay.Wait())
	}

	active := mgr.Active()
	cancelRun()
	<-runDone
	if active != nil {
		select {
		case <-active.Done():
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("timed out waiting for call teardown", "call_id", active.ID())
		}
	}

	logger.Info("agent stopped", "counters", m.Snapshot())
}

func capturer(cfg config.AgentConfig, logger *slog.Logger) media.Capturer {
	if cfg.CaptureFile == "" {
		return media.SilenceCapturer{Logger: logger}
	}
	return media.OggCapturer{Path: cfg.CaptureFile, Logger: logger}
}
