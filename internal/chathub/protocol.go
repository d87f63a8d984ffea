package chathub

import (
	"encoding/json"

	"randomtalk/backend/internal/models"
)

// Frame is one WebSocket message: {"type": ..., "payload": ...}.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> server
const (
	FrameFindPartner   = "find_partner"
	FrameCancelSearch  = "cancel_search"
	FrameSendMessage   = "send_message"
	FrameToggleMute    = "toggle_mute"
	FrameEndSession    = "end_session"
	FrameReport        = "report"
	FrameCallConnected = "call_connected"
	FrameRetryCapture  = "retry_capture"
	FrameHeartbeat     = "heartbeat"
)

// Server -> client
const (
	FrameOnlineCount         = "online_count"
	FrameSearching           = "searching"
	FramePartnerFound        = "partner_found"
	FrameNoPartner           = "no_partner"
	FrameMessages            = "messages"
	FrameMuted               = "muted"
	FramePartnerDisconnected = "partner_disconnected"
	FrameCallFailed          = "call_failed"
	FrameError               = "error"
)

// Both directions
const (
	FrameOffer     = "offer"
	FrameAnswer    = "answer"
	FrameCandidate = "candidate"
)

type FindPartnerPayload struct {
	CollegeTag string             `json:"college_tag,omitempty"`
	GenderPref string             `json:"gender_pref,omitempty"`
	Mode       models.SessionMode `json:"mode,omitempty"`
}

func (p FindPartnerPayload) Preferences() models.Preferences {
	return models.Preferences{
		CollegeTag: p.CollegeTag,
		GenderPref: models.ParseGender(p.GenderPref),
		Mode:       p.Mode,
	}.Normalize()
}

type SendMessagePayload struct {
	Text string `json:"text"`
}

type ReportPayload struct {
	Reason string `json:"reason,omitempty"`
}

type SDPPayload struct {
	SDP      string `json:"sdp"`
	Seq      uint64 `json:"seq,omitempty"`
	OfferSeq uint64 `json:"offer_seq,omitempty"`
}

type CandidatePayload struct {
	ID               uint64  `json:"id,omitempty"`
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type OnlineCountPayload struct {
	Count int `json:"count"`
}

type SearchingPayload struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

type PartnerFoundPayload struct {
	Partner   string             `json:"partner"`
	Role      models.Role        `json:"role"`
	SessionID string             `json:"session_id"`
	Mode      models.SessionMode `json:"mode"`
}

type MessagesPayload struct {
	Messages []models.ChatMessage `json:"messages"`
}

type MutedPayload struct {
	Muted bool `json:"muted"`
}

type CallFailedPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewFrame encodes payload into a frame. A nil payload is omitted.
func NewFrame(frameType string, payload interface{}) (Frame, error) {
	f := Frame{Type: frameType}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	f.Payload = raw
	return f, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (f Frame) Decode(v interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}
