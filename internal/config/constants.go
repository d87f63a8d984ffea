package config

import "time"

const (
	// Matchmaking
	SearchTimeout  = 30 * time.Second
	PairingRetries = 1

	// Presence
	PresenceTTL          = 90 * time.Second
	PresenceReapInterval = 15 * time.Second

	// Reports
	ReportBlockDuration    = 24 * time.Hour
	ComplaintExcerptLength = 20
	DefaultComplaintReason = "reported_by_partner"
	BlockListPruneInterval = time.Minute
	MaxChatMessageLength   = 2000
	MaxChatMessagesPerRoom = 5000
	ClientSendBufferSize   = 256

	// Identity tokens
	TokenTTL    = 72 * time.Hour
	TokenIssuer = "randomtalk-service"
)

// DefaultSTUNURLs are the public STUN servers used when no ICE configuration is given.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}
