package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarRelayURL      = "AERO_VOICE_RELAY_URL"
	envVarParticipantID = "AERO_VOICE_PARTICIPANT_ID"
	envVarToken         = "AERO_VOICE_TOKEN"
	envVarAgentAPIKey   = "AERO_VOICE_API_KEY"
	envVarCaptureFile   = "AERO_VOICE_CAPTURE_FILE"
	envVarCallingTone   = "AERO_VOICE_CALLING_TONE"
	envVarRingTone      = "AERO_VOICE_RING_TONE"
	envVarAutoAnswer    = "AERO_VOICE_AUTO_ANSWER"
	envVarCall          = "AERO_VOICE_CALL"
	envVarGroupCall     = "AERO_VOICE_GROUP_CALL"

	DefaultRelayURL   = "ws://127.0.0.1:8080/signal"
	DefaultAutoAnswer = true
)

// AgentConfig configures the headless call endpoint.
type AgentConfig struct {
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	RelayURL      string
	ParticipantID string
	Token         string
	APIKey        string

	// CaptureFile is an Ogg/Opus file looped as the microphone. Empty means
	// the agent sends silence.
	CaptureFile string
	CallingTone string
	RingTone    string

	AutoAnswer bool

	// Call, when set, places an outbound call to these participants on start.
	// The roster is the local participant followed by Call.
	Call      []string
	GroupCall bool

	ICEServers []webrtc.ICEServer
	WebRTC     WebRTCNetwork
}

func LoadAgent(args []string) (AgentConfig, error) {
	lookup, err := envLookup(args)
	if err != nil {
		return AgentConfig{}, err
	}
	return loadAgent(lookup, args)
}

func loadAgent(lookup func(string) (string, bool), args []string) (AgentConfig, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return AgentConfig{}, err
	}

	relayURL := envOrDefault(lookup, envVarRelayURL, DefaultRelayURL)
	participantID := envOrDefault(lookup, envVarParticipantID, "")
	token := envOrDefault(lookup, envVarToken, "")
	apiKey := envOrDefault(lookup, envVarAgentAPIKey, "")
	captureFile := envOrDefault(lookup, envVarCaptureFile, "")
	callingTone := envOrDefault(lookup, envVarCallingTone, "")
	ringTone := envOrDefault(lookup, envVarRingTone, "")
	callStr := envOrDefault(lookup, envVarCall, "")

	autoAnswer, err := envBoolOrDefault(lookup, envVarAutoAnswer, DefaultAutoAnswer)
	if err != nil {
		return AgentConfig{}, err
	}
	groupCall, err := envBoolOrDefault(lookup, envVarGroupCall, false)
	if err != nil {
		return AgentConfig{}, err
	}

	ice := iceValuesFromEnv(lookup)
	network, err := webrtcNetworkValuesFromEnv(lookup)
	if err != nil {
		return AgentConfig{}, err
	}

	fs := flag.NewFlagSet("aero-voice-agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.String("env-file", "", "Optional dotenv file loaded before reading the environment (env "+envVarEnvFile+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&relayURL, "relay-url", relayURL, "Signaling relay WebSocket URL (env "+envVarRelayURL+")")
	fs.StringVar(&participantID, "participant", participantID, "Local participant id (env "+envVarParticipantID+")")
	fs.StringVar(&token, "token", token, "JWT presented to the relay (env "+envVarToken+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key presented to the relay (env "+envVarAgentAPIKey+")")
	fs.StringVar(&captureFile, "capture-file", captureFile, "Ogg/Opus file used as the microphone (env "+envVarCaptureFile+")")
	fs.StringVar(&callingTone, "calling-tone", callingTone, "Ogg/Opus calling tone (env "+envVarCallingTone+")")
	fs.StringVar(&ringTone, "ring-tone", ringTone, "Ogg/Opus ring tone (env "+envVarRingTone+")")
	fs.BoolVar(&autoAnswer, "auto-answer", autoAnswer, "Accept inbound calls automatically (env "+envVarAutoAnswer+")")
	fs.StringVar(&callStr, "call", callStr, "Comma-separated participants to call on start (env "+envVarCall+")")
	fs.BoolVar(&groupCall, "group", groupCall, "Treat --call as a group call (env "+envVarGroupCall+")")
	ice.registerFlags(fs)
	network.registerFlags(fs)

	if err := fs.Parse(args); err != nil {
		return AgentConfig{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return AgentConfig{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return AgentConfig{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return AgentConfig{}, err
	}

	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return AgentConfig{}, fmt.Errorf("%s/--participant must be set", envVarParticipantID)
	}
	u, err := url.Parse(relayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return AgentConfig{}, fmt.Errorf("invalid %s/--relay-url %q (expected ws:// or wss://)", envVarRelayURL, relayURL)
	}
	if token != "" && apiKey != "" {
		return AgentConfig{}, errors.New("--token and --api-key are mutually exclusive")
	}
	if shutdownTimeout <= 0 {
		return AgentConfig{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}

	call := splitCommaSeparated(callStr)
	for _, id := range call {
		if id == participantID {
			return AgentConfig{}, fmt.Errorf("%s/--call must not include the local participant %q", envVarCall, participantID)
		}
	}
	if groupCall && len(call) == 0 {
		return AgentConfig{}, fmt.Errorf("%s/--group requires %s/--call", envVarGroupCall, envVarCall)
	}
	if !groupCall && len(call) > 1 {
		return AgentConfig{}, fmt.Errorf("%s/--call lists %d participants; set %s/--group for a group call", envVarCall, len(call), envVarGroupCall)
	}

	iceServers, err := ice.servers()
	if err != nil {
		return AgentConfig{}, err
	}
	webrtcNetwork, err := network.build()
	if err != nil {
		return AgentConfig{}, err
	}

	return AgentConfig{
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		RelayURL:      relayURL,
		ParticipantID: participantID,
		Token:         token,
		APIKey:        apiKey,

		CaptureFile: captureFile,
		CallingTone: callingTone,
		RingTone:    ringTone,
		AutoAnswer:  autoAnswer,
		Call:        call,
		GroupCall:   groupCall,

		ICEServers: iceServers,
		WebRTC:     webrtcNetwork,
	}, nil
}
