package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"

	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"

	envVarWebRTCUDPListenIP  = "WEBRTC_UDP_LISTEN_IP"
	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

const (
	flagWebRTCUDPPortMin = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax = "webrtc-udp-port-max"

	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"

	flagWebRTCUDPListenIP = "webrtc-udp-listen-ip"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCNetwork holds the SettingEngine knobs for peer connections created by
// the agent.
type WebRTCNetwork struct {
	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	UDPPortRange *UDPPortRange

	// NAT1To1IPs configures pion to advertise these public IPs for ICE when
	// the agent is behind NAT. Values must be literal IPs.
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType

	// UDPListenIP restricts which local interface address ICE binds to.
	// 0.0.0.0 means all interfaces.
	UDPListenIP net.IP
}

type webrtcNetworkValues struct {
	portMin         uint
	portMax         uint
	listenIP        string
	nat1To1IPs      string
	nat1To1CandType string
}

func webrtcNetworkValuesFromEnv(lookup func(string) (string, bool)) (*webrtcNetworkValues, error) {
	v := &webrtcNetworkValues{
		listenIP:        envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP),
		nat1To1IPs:      envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		nat1To1CandType: envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)),
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		v.portMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		v.portMax = uint(p)
	}
	return v, nil
}

func (v *webrtcNetworkValues) registerFlags(fs *flag.FlagSet) {
	fs.UintVar(&v.portMin, flagWebRTCUDPPortMin, v.portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&v.portMax, flagWebRTCUDPPortMax, v.portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&v.listenIP, flagWebRTCUDPListenIP, v.listenIP, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&v.nat1To1IPs, flagWebRTCNAT1To1IPs, v.nat1To1IPs, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&v.nat1To1CandType, flagWebRTCNAT1To1IPCandidateType, v.nat1To1CandType, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
}

func (v *webrtcNetworkValues) build() (WebRTCNetwork, error) {
	var out WebRTCNetwork

	if (v.portMin == 0) != (v.portMax == 0) {
		return WebRTCNetwork{}, fmt.Errorf("%s/--%s and %s/--%s must be set together (or both unset)",
			envVarWebRTCUDPPortMin, flagWebRTCUDPPortMin,
			envVarWebRTCUDPPortMax, flagWebRTCUDPPortMax,
		)
	}
	if v.portMin != 0 {
		minPort, err := parsePortUint(v.portMin)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid --%s: %w", flagWebRTCUDPPortMin, err)
		}
		maxPort, err := parsePortUint(v.portMax)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid --%s: %w", flagWebRTCUDPPortMax, err)
		}
		if minPort > maxPort {
			return WebRTCNetwork{}, fmt.Errorf("--%s (%d) must be <= --%s (%d)", flagWebRTCUDPPortMin, minPort, flagWebRTCUDPPortMax, maxPort)
		}
		out.UDPPortRange = &UDPPortRange{Min: minPort, Max: maxPort}
	}

	listenIP := net.ParseIP(strings.TrimSpace(v.listenIP))
	if listenIP == nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/--%s %q", envVarWebRTCUDPListenIP, flagWebRTCUDPListenIP, v.listenIP)
	}
	out.UDPListenIP = listenIP

	candType, err := parseCandidateType(v.nat1To1CandType)
	if err != nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/--%s: %w", envVarWebRTCNAT1To1IPCandidateType, flagWebRTCNAT1To1IPCandidateType, err)
	}
	out.NAT1To1IPCandidateType = candType

	if strings.TrimSpace(v.nat1To1IPs) != "" {
		ips, err := parseIPList(v.nat1To1IPs)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid %s/--%s: %w", envVarWebRTCNAT1To1IPs, flagWebRTCNAT1To1IPs, err)
		}
		out.NAT1To1IPs = ips
	}

	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
