package chathub

import (
	"context"
	"sync"

	"randomtalk/backend/internal/metrics"
	"randomtalk/backend/internal/presence"

	"go.uber.org/zap"
)

// ManagerService тримає підключених клієнтів і розсилає їм кількість online.
type ManagerService struct {
	Clients map[string]Client

	RegisterCh   chan Client
	UnregisterCh chan Client

	Presence presence.Store
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	mu          sync.RWMutex
	onlineCount int
	done        chan struct{}
}

// NewManagerService створює хаб; запускати через Run.
func NewManagerService(store presence.Store, logger *zap.Logger, m *metrics.Metrics) *ManagerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManagerService{
		Clients:      make(map[string]Client),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		Presence:     store,
		Logger:       logger,
		Metrics:      m,
		done:         make(chan struct{}),
	}
}

// Done is closed when Run returns.
func (m *ManagerService) Done() <-chan struct{} {
	return m.done
}

// Register hands client to the run loop. It reports false if the hub has
// stopped.
func (m *ManagerService) Register(client Client) bool {
	select {
	case m.RegisterCh <- client:
		return true
	case <-m.done:
		return false
	}
}

// Unregister hands client to the run loop, or closes it directly if the hub
// has stopped.
func (m *ManagerService) Unregister(client Client) {
	select {
	case m.UnregisterCh <- client:
	case <-m.done:
		client.Close()
	}
}

// Run обробляє реєстрації та зміни кількості online до скасування ctx.
func (m *ManagerService) Run(ctx context.Context) {
	defer close(m.done)
	counts := m.Presence.WatchOnlineCount()
	defer counts.Cancel()

	if n, err := m.Presence.OnlineCount(ctx); err == nil {
		m.setOnlineCount(n)
	}

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return

		case client := <-m.RegisterCh:
			m.register(client)

		case client := <-m.UnregisterCh:
			m.unregister(client)

		case n, ok := <-counts.C():
			if !ok {
				m.Logger.Warn("online count feed closed")
				m.closeAll()
				return
			}
			m.setOnlineCount(n)
			m.broadcastOnlineCount(n)
		}
	}
}

func (m *ManagerService) register(client Client) {
	id := client.GetUserID()
	m.mu.Lock()
	old, replaced := m.Clients[id]
	m.Clients[id] = client
	n := m.onlineCount
	m.mu.Unlock()

	if replaced && old != client {
		// Той самий AnonID з нового з'єднання: старе закриваємо.
		m.Logger.Info("client replaced", zap.String("identity", id))
		old.Replaced()
		old.Close()
	}
	client.OnOnlineCountChanged(n)
	m.Logger.Debug("client registered", zap.String("identity", id))
}

func (m *ManagerService) unregister(client Client) {
	id := client.GetUserID()
	m.mu.Lock()
	if m.Clients[id] == client {
		delete(m.Clients, id)
	}
	m.mu.Unlock()
	client.Close()
	m.Logger.Debug("client unregistered", zap.String("identity", id))
}

func (m *ManagerService) setOnlineCount(n int) {
	m.mu.Lock()
	m.onlineCount = n
	m.mu.Unlock()
	m.Metrics.SetOnline(n)
}

func (m *ManagerService) broadcastOnlineCount(n int) {
	m.mu.RLock()
	clients := make([]Client, 0, len(m.Clients))
	for _, c := range m.Clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()
	for _, c := range clients {
		c.OnOnlineCountChanged(n)
	}
}

func (m *ManagerService) closeAll() {
	m.mu.Lock()
	clients := m.Clients
	m.Clients = make(map[string]Client)
	m.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

// Current returns the client registered under id, or nil.
func (m *ManagerService) Current(id string) Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Clients[id]
}

// ConnectedCount returns the number of registered clients.
func (m *ManagerService) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Clients)
}

// OnlineCount returns the last known number of online identities.
func (m *ManagerService) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onlineCount
}
