package handler

import (
	"net/http"

	"randomtalk/backend/internal/chathub"
	"randomtalk/backend/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Handler містить посилання на ChatHub і спільні залежності сесій
type Handler struct {
	Hub        *chathub.ManagerService
	Deps       *chathub.Deps
	JWTSecret  []byte
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	// ICEServers віддаються браузерам для їхніх peer connection.
	ICEServers []webrtc.ICEServer

	upgrader websocket.Upgrader
}

// NewHandler створює обробники. Порожній secret замінюється випадковим:
// токени тоді живуть лише до перезапуску.
func NewHandler(hub *chathub.ManagerService, deps *chathub.Deps, secret string, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if secret == "" {
		logger.Warn("JWT secret not configured, using an ephemeral one")
		secret = uuid.NewString()
	}
	h := &Handler{
		Hub:       hub,
		Deps:      deps,
		JWTSecret: []byte(secret),
		Logger:    logger,
		Metrics:   deps.Metrics,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker дозволяє будь-який домен, якщо список порожній.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Register підключає маршрути до роутера.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/anonid", h.GetAnonID)  // Отримання JWT для AnonID
	r.GET("/ws", h.ServeWebSocket) // WebSocket Upgrade
	r.GET("/health", h.Health)
	r.GET("/ice-servers", h.GetICEServers)
	r.GET("/metrics", gin.WrapH(h.Metrics.Handler()))
}

// Health повідомляє стан сервера та кількість підключених клієнтів.
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	select {
	case <-h.Hub.Done():
		status = "stopping"
	default:
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"connectedUsers": h.Hub.ConnectedCount(),
		"onlineUsers":    h.Hub.OnlineCount(),
	})
}

// GetICEServers повертає STUN/TURN сервери для голосових дзвінків.
func (h *Handler) GetICEServers(c *gin.Context) {
	servers := h.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}
