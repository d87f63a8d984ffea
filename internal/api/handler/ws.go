package handler

import (
	"net/http"

	"randomtalk/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServeWebSocket оновлює HTTP-з'єднання до WebSocket
func (h *Handler) ServeWebSocket(c *gin.Context) {
	// 1. Отримати AnonID з JWT
	tokenString := tokenFromRequest(c)
	if tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return
	}

	// 2. Валідація та отримання AnonID з JWT
	anonID, err := h.validateAndGetAnonID(tokenString)
	if err != nil {
		h.Logger.Debug("reject websocket", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}

	// Upgrader сам відповідає клієнту у разі помилки.
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade", zap.String("identity", anonID), zap.Error(err))
		return
	}

	// 3. Створення нового клієнта та реєстрація в Chat Hub
	client := chathub.NewWebSocketClient(anonID, conn, h.Hub, h.Deps)
	if !h.Hub.Register(client) {
		conn.Close()
		return
	}

	// client.Run() сам запустить необхідні goroutines
	client.Run()
}
