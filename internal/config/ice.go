package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// DefaultSTUNURLs is used when no ICE servers are configured.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type iceValues struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

func iceValuesFromEnv(lookup func(string) (string, bool)) *iceValues {
	return &iceValues{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}
}

func (v *iceValues) registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&v.serversJSON, "ice-servers-json", v.serversJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&v.stunURLs, "stun-urls", v.stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&v.turnURLs, "turn-urls", v.turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&v.turnUsername, "turn-username", v.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&v.turnCredential, "turn-credential", v.turnCredential, "TURN credential ("+envTurnCredential+")")
}

func (v *iceValues) servers() ([]webrtc.ICEServer, error) {
	return parseICEServersFromValues(v.serversJSON, v.stunURLs, v.turnURLs, v.turnUsername, v.turnCredential)
}

func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		iceServers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}

	iceServers, err := ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return nil, err
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}}
	}
	return iceServers, nil
}

// iceServerJSON mirrors the browser RTCIceServer dictionary, where urls may
// be a single string or a list.
type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates AERO_ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, s := range servers {
		server, err := newICEServer(trimAll(s.URLs), s.Username, s.Credential)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN
// entry from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server, err := newICEServer(urls, "", "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		if strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server, err := newICEServer(urls, turnUsername, turnCredential)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	return trimAll(strings.Split(value, ","))
}

// trimAll trims every entry and drops the empty ones.
func trimAll(values []string) []string {
	return lo.Compact(lo.Map(values, func(v string, _ int) string {
		return strings.TrimSpace(v)
	}))
}

// iceSchemes maps each accepted URL scheme to whether it needs TURN
// credentials.
var iceSchemes = map[string]bool{
	"stun":  false,
	"stuns": false,
	"turn":  true,
	"turns": true,
}

func newICEServer(urls []string, username, credential string) (webrtc.ICEServer, error) {
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}

	needsCreds := false
	for _, u := range urls {
		scheme, _, ok := strings.Cut(u, ":")
		turn, known := iceSchemes[strings.ToLower(scheme)]
		if !ok || !known {
			return webrtc.ICEServer{}, fmt.Errorf("unsupported url scheme: %q", u)
		}
		needsCreds = needsCreds || turn
	}

	server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if strings.TrimSpace(credential) != "" {
		server.Credential = credential
	}
	if !needsCreds {
		return server, nil
	}
	if server.Username == "" {
		return webrtc.ICEServer{}, errors.New("turn urls require username")
	}
	if server.Credential == nil {
		return webrtc.ICEServer{}, errors.New("turn urls require credential")
	}
	return server, nil
}
