package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"randomtalk/backend/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for a token that is malformed, expired, signed
// with another key or missing the anon_id claim.
var ErrInvalidToken = errors.New("invalid token")

// generateJWT генерує JWT з анонімним ID
func generateJWT(secret []byte, anonID string, now time.Time) (string, error) {
	// Встановлюємо claims, включаючи AnonID та термін дії
	claims := jwt.MapClaims{
		"anon_id": anonID,
		"iat":     now.Unix(),
		"exp":     now.Add(config.TokenTTL).Unix(),
		"iss":     config.TokenIssuer, // Видавець
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// validateAndGetAnonID перевіряє підпис, термін дії та видавця токена.
func (h *Handler) validateAndGetAnonID(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return h.JWTSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(config.TokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	anonID, _ := claims["anon_id"].(string)
	if anonID == "" {
		return "", fmt.Errorf("%w: anon_id claim missing", ErrInvalidToken)
	}
	return anonID, nil
}

// tokenFromRequest бере токен із заголовка Authorization або, для браузерів,
// які не можуть задати заголовок для WebSocket, з параметра ?token=.
func tokenFromRequest(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	return c.Query("token")
}

// GetAnonID створює AnonID та повертає JWT
func (h *Handler) GetAnonID(c *gin.Context) {
	// Генерація унікального анонімного UUID
	anonUUID, err := uuid.NewRandom()
	if err != nil {
		h.Logger.Error("generate anon id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create identity"})
		return
	}
	anonID := anonUUID.String()

	token, err := generateJWT(h.JWTSecret, anonID, time.Now())
	if err != nil {
		h.Logger.Error("sign token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": anonID})
}
