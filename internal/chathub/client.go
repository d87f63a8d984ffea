package chathub

import "randomtalk/backend/internal/models"

// Listener receives a session's outbound notifications.
type Listener interface {
	OnOnlineCountChanged(count int)
	OnSearching()
	OnPartnerFound(partner string, role models.Role, sessionID string, mode models.SessionMode)
	OnNoPartnerFound()
	OnMessagesUpdated(messages []models.ChatMessage)
	OnPartnerDisconnected()
	OnCallConnected()
	OnCallFailed(reason string)
}

// SignalListener is implemented by listeners whose far end negotiates media
// itself, e.g. a browser. They receive the counterpart's signaling.
type SignalListener interface {
	OnOffer(env models.SignalingEnvelope)
	OnAnswer(env models.SignalingEnvelope)
	OnCandidate(rec models.IceCandidateRecord)
}

// Client is the interface for any type of connection (e.g., WebSocket or an
// in-process client). The hub manages different client types uniformly.
type Client interface {
	Listener

	// GetUserID returns the identity the client is connected as.
	GetUserID() string

	// Run starts the client's read and write pumps.
	Run()
	// Close gracefully shuts down the client's connection and associated channels.
	Close()
	// Replaced is called before Close when a newer connection of the same
	// identity takes over. The presence record stays with the newer one.
	Replaced()
}
