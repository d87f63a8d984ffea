package chathub_test

import (
	"sync"
	"testing"
	"time"

	"randomtalk/backend/internal/chathub"
	"randomtalk/backend/internal/models"
)

type event struct {
	Kind      string
	Partner   string
	Role      models.Role
	SessionID string
	Mode      models.SessionMode
	Count     int
	Messages  []models.ChatMessage
	Reason    string
	Envelope  models.SignalingEnvelope
	Candidate models.IceCandidateRecord
}

// MockClient records every notification it receives.
type MockClient struct {
	userID string
	Events chan event

	mu       sync.Mutex
	closed   int
	replaced int
}

var (
	_ chathub.Client         = (*MockClient)(nil)
	_ chathub.SignalListener = (*MockClient)(nil)
)

func newMockClient(userID string) *MockClient {
	return &MockClient{userID: userID, Events: make(chan event, 256)}
}

func (c *MockClient) GetUserID() string { return c.userID }
func (c *MockClient) Run()              {}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *MockClient) Replaced() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaced++
}

func (c *MockClient) ReplacedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaced
}

func (c *MockClient) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockClient) record(e event) { c.Events <- e }

func (c *MockClient) OnOnlineCountChanged(n int) { c.record(event{Kind: "online_count", Count: n}) }
func (c *MockClient) OnSearching()               { c.record(event{Kind: "searching"}) }
func (c *MockClient) OnNoPartnerFound()          { c.record(event{Kind: "no_partner"}) }
func (c *MockClient) OnPartnerDisconnected()     { c.record(event{Kind: "partner_disconnected"}) }
func (c *MockClient) OnCallConnected()           { c.record(event{Kind: "call_connected"}) }
func (c *MockClient) OnCallFailed(reason string) { c.record(event{Kind: "call_failed", Reason: reason}) }

func (c *MockClient) OnPartnerFound(partner string, role models.Role, sessionID string, mode models.SessionMode) {
	c.record(event{Kind: "partner_found", Partner: partner, Role: role, SessionID: sessionID, Mode: mode})
}

func (c *MockClient) OnMessagesUpdated(msgs []models.ChatMessage) {
	c.record(event{Kind: "messages", Messages: msgs})
}

func (c *MockClient) OnOffer(env models.SignalingEnvelope) {
	c.record(event{Kind: "offer", Envelope: env})
}

func (c *MockClient) OnAnswer(env models.SignalingEnvelope) {
	c.record(event{Kind: "answer", Envelope: env})
}

func (c *MockClient) OnCandidate(rec models.IceCandidateRecord) {
	c.record(event{Kind: "candidate", Candidate: rec})
}

// next returns the first event of kind, skipping others.
func (c *MockClient) next(t *testing.T, kind string) event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-c.Events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("%s: no %q event", c.userID, kind)
			return event{}
		}
	}
}

// none fails if an event of kind arrives within a short window.
func (c *MockClient) none(t *testing.T, kind string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case e := <-c.Events:
			if e.Kind == kind {
				t.Fatalf("%s: unexpected %q event", c.userID, kind)
			}
		case <-deadline:
			return
		}
	}
}

// textOnly hides the SignalListener methods of a client.
type textOnly struct{ chathub.Listener }
