package janus

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// JSEP is the session description carried in `message` requests and `event`
// pushes.
type JSEP struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
	Trickle *bool  `json:"trickle,omitempty"`
}

func JSEPFromSessionDescription(desc webrtc.SessionDescription) JSEP {
	return JSEP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

// SessionDescription converts j to its pion form. Unknown types are rejected.
func (j JSEP) SessionDescription() (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(j.Type)
	if t == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, invalidArgument("unsupported sdp type %q", j.Type)
	}
	if j.SDP == "" && t != webrtc.SDPTypeRollback {
		return webrtc.SessionDescription{}, invalidArgument("empty %s sdp", j.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: j.SDP}, nil
}

// ParseJSEP decodes the raw jsep of an Event.
func ParseJSEP(raw json.RawMessage) (JSEP, error) {
	if !present(raw) {
		return JSEP{}, fmt.Errorf("%w: no jsep", ErrInvalidArgument)
	}
	var j JSEP
	if err := json.Unmarshal(raw, &j); err != nil {
		return JSEP{}, fmt.Errorf("%w: decode jsep: %v", ErrInvalidArgument, err)
	}
	return j, nil
}

// Candidate is a trickled ICE candidate in gateway wire form.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func CandidateFromICECandidateInit(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func (c Candidate) ICECandidateInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
