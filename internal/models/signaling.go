package models

// SDPRole identifies which mailbox slot a signaling envelope occupies.
type SDPRole string

const (
	SDPOffer  SDPRole = "offer"
	SDPAnswer SDPRole = "answer"
)

// SignalingEnvelope carries one session description through the relay.
// Seq is assigned by the mailbox; an answer carries the Seq of the offer it answers
// in OfferSeq.
type SignalingEnvelope struct {
	SessionID string  `json:"session_id"`
	Role      SDPRole `json:"role"`
	SDP       string  `json:"sdp"`
	SenderID  string  `json:"sender_id"`
	Seq       uint64  `json:"seq"`
	OfferSeq  uint64  `json:"offer_seq,omitempty"`
}

// IceCandidateRecord is one append-only connectivity hint published by a peer.
// Processed flips to true exactly once, set by the receiving peer.
type IceCandidateRecord struct {
	ID               uint64  `json:"id"`
	SessionID        string  `json:"session_id"`
	SenderID         string  `json:"sender_id"`
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
	Processed        bool    `json:"processed"`
}
