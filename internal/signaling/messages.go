package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type Event string

const (
	EventAuth         Event = "auth"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "iceCandidate"
	EventCallAccepted Event = "callAccepted"
	EventCallRejected Event = "callRejected"
	EventUserBusy     Event = "userBusy"
	EventCallEnded    Event = "callEnded"
	EventEndCall      Event = "endCall"
	EventError        Event = "error"
)

// IsCallControl reports whether e is one of the call-control events a call
// session consumes.
func (e Event) IsCallControl() bool {
	switch e {
	case EventCallAccepted, EventCallRejected, EventUserBusy, EventCallEnded:
		return true
	}
	return false
}

// Routed reports whether the relay forwards e to the `to` recipients.
func (e Event) Routed() bool {
	switch e {
	case EventOffer, EventAnswer, EventICECandidate, EventEndCall:
		return true
	}
	return e.IsCallControl()
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Recipients is the `to` field. On the wire it is either a single id or an
// array of ids; a single recipient is encoded as a plain string.
type Recipients []string

func (r Recipients) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

func (r *Recipients) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*r = Recipients{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("to must be a string or an array of strings: %w", err)
	}
	*r = Recipients(many)
	return nil
}

// Message is the single envelope used for every signaling event, in both
// directions.
type Message struct {
	Event Event      `json:"event"`
	From  string     `json:"from,omitempty"`
	To    Recipients `json:"to,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// Roster and Group ride on offers so an answering endpoint learns the
	// full call roster (roster[0] is the caller) before it accepts.
	Roster []string `json:"roster,omitempty"`
	Group  bool     `json:"group,omitempty"`

	Participant string `json:"participant,omitempty"`
	APIKey      string `json:"apiKey,omitempty"`
	Token       string `json:"token,omitempty"`

	Code   string `json:"code,omitempty"`
	Detail string `json:"message,omitempty"`
}

var errUnexpectedFields = errors.New("unexpected fields")

// ParseMessage decodes a single JSON message strictly: unknown fields,
// trailing data and fields that do not belong to the event are rejected.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) hasCredentials() bool {
	return m.Participant != "" || m.APIKey != "" || m.Token != ""
}

func (m Message) hasPayload() bool {
	return m.Offer != nil || m.Answer != nil || m.Candidate != nil
}

func (m Message) hasError() bool {
	return m.Code != "" || m.Detail != ""
}

func (m Message) validate() error {
	if m.To != nil {
		if len(m.To) == 0 {
			return fmt.Errorf("%s message has empty to", m.Event)
		}
		for _, id := range m.To {
			if id == "" {
				return fmt.Errorf("%s message has empty recipient", m.Event)
			}
		}
	}
	if m.Roster != nil {
		if m.Event != EventOffer {
			return fmt.Errorf("%s message: roster: %w", m.Event, errUnexpectedFields)
		}
		if len(m.Roster) == 0 {
			return fmt.Errorf("offer message has empty roster")
		}
	}
	if m.Group && m.Event != EventOffer {
		return fmt.Errorf("%s message: group: %w", m.Event, errUnexpectedFields)
	}

	switch m.Event {
	case EventAuth:
		if !m.hasCredentials() {
			return fmt.Errorf("auth message missing participant/apiKey/token")
		}
		if m.hasPayload() || m.hasError() || m.To != nil || m.From != "" {
			return fmt.Errorf("auth message: %w", errUnexpectedFields)
		}
	case EventOffer:
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.Offer.Type != "offer" {
			return fmt.Errorf("offer message has offer.type=%q", m.Offer.Type)
		}
		if m.Answer != nil || m.Candidate != nil || m.hasCredentials() || m.hasError() {
			return fmt.Errorf("offer message: %w", errUnexpectedFields)
		}
	case EventAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.Answer.Type != "answer" {
			return fmt.Errorf("answer message has answer.type=%q", m.Answer.Type)
		}
		if m.Offer != nil || m.Candidate != nil || m.hasCredentials() || m.hasError() {
			return fmt.Errorf("answer message: %w", errUnexpectedFields)
		}
	case EventICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("iceCandidate message missing candidate")
		}
		if m.Offer != nil || m.Answer != nil || m.hasCredentials() || m.hasError() {
			return fmt.Errorf("iceCandidate message: %w", errUnexpectedFields)
		}
	case EventCallAccepted, EventCallRejected, EventUserBusy, EventCallEnded, EventEndCall:
		if m.hasPayload() || m.hasCredentials() || m.hasError() {
			return fmt.Errorf("%s message: %w", m.Event, errUnexpectedFields)
		}
	case EventError:
		if m.Code == "" || m.Detail == "" {
			return fmt.Errorf("error message missing code/message")
		}
		if m.hasPayload() || m.hasCredentials() {
			return fmt.Errorf("error message: %w", errUnexpectedFields)
		}
	default:
		return fmt.Errorf("unsupported event %q", m.Event)
	}
	return nil
}
