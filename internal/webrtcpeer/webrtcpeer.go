// Package webrtcpeer builds the pion API used for call peer connections.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/peer"
)

type Options struct {
	Network config.WebRTCNetwork
	Logger  *slog.Logger
	// Net replaces the host network stack (tests use a pion vnet).
	Net transport.Net
}

func NewAPI(opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts.Network); err != nil {
		return nil, err
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	se.LoggerFactory = NewLoggerFactory(logger)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, network config.WebRTCNetwork) error {
	if network.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(network.UDPPortRange.Min, network.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(network.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch network.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", network.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(network.NAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't expose a "bind to 0.0.0.0" toggle; candidate
	// gathering is restricted with an IPFilter instead.
	if !config.IsUnspecifiedIP(network.UDPListenIP) {
		listenIP := network.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}

// NewTransportFactory returns a peer.TransportFactory creating pion peer
// connections with the given ICE servers.
func NewTransportFactory(api *webrtc.API, iceServers []webrtc.ICEServer) peer.TransportFactory {
	if api == nil {
		api = webrtc.NewAPI()
	}
	return func() (peer.Transport, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
}
