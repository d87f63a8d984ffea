package chathub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // SDP з кандидатами не влазить у кілька сотень байт
)

// WebSocketClient реалізує інтерфейс chathub.Client
type WebSocketClient struct {
	AnonID  string
	Conn    *websocket.Conn
	Hub     *ManagerService
	Session *Session
	Send    chan Frame
	Logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

var (
	_ Client         = (*WebSocketClient)(nil)
	_ SignalListener = (*WebSocketClient)(nil)
)

// NewWebSocketClient створює клієнта та його сесію.
func NewWebSocketClient(anonID string, conn *websocket.Conn, hub *ManagerService, deps *Deps) *WebSocketClient {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &WebSocketClient{
		AnonID: anonID,
		Conn:   conn,
		Hub:    hub,
		Send:   make(chan Frame, config.ClientSendBufferSize),
		Logger: logger.With(zap.String("identity", anonID)),
	}
	c.Session = NewSession(anonID, deps, c)
	return c
}

func (c *WebSocketClient) GetUserID() string { return c.AnonID }

// Run реєструє присутність і запускає 'pumps' для WebSocket
func (c *WebSocketClient) Run() {
	if err := c.Session.RegisterOnline(context.Background()); err != nil {
		c.Logger.Error("register online", zap.Error(err))
		c.emitError(err.Error())
	}
	go c.writePump()
	go c.readPump()
}

// Replaced відпускає пошук і чат старого з'єднання у фоні, щоб не блокувати хаб.
func (c *WebSocketClient) Replaced() {
	go c.Session.Release(context.Background())
}

// Close закриває Send канал (що зупинить writePump)
func (c *WebSocketClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

func (c *WebSocketClient) push(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- f:
	default:
		c.Logger.Warn("send buffer full, frame dropped", zap.String("type", f.Type))
	}
}

func (c *WebSocketClient) emit(frameType string, payload interface{}) {
	f, err := NewFrame(frameType, payload)
	if err != nil {
		c.Logger.Error("encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	c.push(f)
}

func (c *WebSocketClient) emitError(msg string) {
	c.emit(FrameError, ErrorPayload{Message: msg})
}

// --- Listener ---

func (c *WebSocketClient) OnOnlineCountChanged(count int) {
	c.emit(FrameOnlineCount, OnlineCountPayload{Count: count})
}

func (c *WebSocketClient) OnSearching() {
	c.emit(FrameSearching, SearchingPayload{TimeoutSeconds: int(c.Session.SearchTimeout().Seconds())})
}

func (c *WebSocketClient) OnPartnerFound(partner string, role models.Role, sessionID string, mode models.SessionMode) {
	c.emit(FramePartnerFound, PartnerFoundPayload{Partner: partner, Role: role, SessionID: sessionID, Mode: mode})
}

func (c *WebSocketClient) OnNoPartnerFound() { c.emit(FrameNoPartner, nil) }

func (c *WebSocketClient) OnMessagesUpdated(messages []models.ChatMessage) {
	c.emit(FrameMessages, MessagesPayload{Messages: messages})
}

func (c *WebSocketClient) OnPartnerDisconnected() { c.emit(FramePartnerDisconnected, nil) }

func (c *WebSocketClient) OnCallConnected() { c.emit(FrameCallConnected, nil) }

func (c *WebSocketClient) OnCallFailed(reason string) {
	c.emit(FrameCallFailed, CallFailedPayload{Reason: reason})
}

// --- SignalListener ---

func (c *WebSocketClient) OnOffer(env models.SignalingEnvelope) {
	c.emit(FrameOffer, SDPPayload{SDP: env.SDP, Seq: env.Seq})
}

func (c *WebSocketClient) OnAnswer(env models.SignalingEnvelope) {
	c.emit(FrameAnswer, SDPPayload{SDP: env.SDP, Seq: env.Seq, OfferSeq: env.OfferSeq})
}

func (c *WebSocketClient) OnCandidate(rec models.IceCandidateRecord) {
	c.emit(FrameCandidate, CandidatePayload{
		ID:               rec.ID,
		Candidate:        rec.Candidate,
		SDPMid:           rec.SDPMid,
		SDPMLineIndex:    rec.SDPMLineIndex,
		UsernameFragment: rec.UsernameFragment,
	})
}

// --- Логіка 'Pump' ---

func (c *WebSocketClient) readPump() {
	ctx := context.Background()
	defer func() {
		// Якщо нас замінило нове з'єднання, присутність належить уже йому.
		if c.Hub.Current(c.AnonID) == Client(c) {
			c.Session.Close(ctx)
		} else {
			c.Session.Release(ctx)
		}
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := c.Session.Heartbeat(ctx); err != nil {
			c.Logger.Debug("heartbeat on pong", zap.Error(err))
		}
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Logger.Warn("read frame", zap.Error(err))
			}
			break
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.Logger.Debug("decode frame", zap.Error(err))
			c.emitError("malformed frame")
			continue // Пропускаємо невірне повідомлення
		}
		c.dispatch(ctx, f)
	}
}

// dispatch executes one client frame against the session.
func (c *WebSocketClient) dispatch(ctx context.Context, f Frame) {
	var err error
	switch f.Type {
	case FrameFindPartner:
		var p FindPartnerPayload
		if err = f.Decode(&p); err == nil {
			_, err = c.Session.FindPartner(ctx, p.Preferences())
		}
	case FrameCancelSearch:
		c.Session.CancelSearch()
	case FrameSendMessage:
		var p SendMessagePayload
		if err = f.Decode(&p); err == nil && !c.Session.SendMessage(ctx, p.Text) {
			c.emitError("message not sent")
		}
	case FrameToggleMute:
		c.emit(FrameMuted, MutedPayload{Muted: c.Session.ToggleMute()})
	case FrameEndSession:
		err = c.Session.EndSession(ctx)
	case FrameReport:
		var p ReportPayload
		if err = f.Decode(&p); err == nil {
			err = c.Session.ReportPartner(ctx, p.Reason)
		}
	case FrameOffer:
		var p SDPPayload
		if err = f.Decode(&p); err == nil {
			err = c.Session.PublishOffer(p.SDP)
		}
	case FrameAnswer:
		var p SDPPayload
		if err = f.Decode(&p); err == nil {
			err = c.Session.PublishAnswer(p.SDP, p.OfferSeq)
		}
	case FrameCandidate:
		var p CandidatePayload
		if err = f.Decode(&p); err == nil {
			err = c.Session.AddCandidate(candidateRecord(p))
		}
	case FrameCallConnected:
		err = c.Session.CallConnected()
	case FrameRetryCapture:
		err = c.Session.RetryCapture(ctx)
	case FrameHeartbeat:
		err = c.Session.Heartbeat(ctx)
	default:
		c.emitError("unknown frame type: " + f.Type)
		return
	}
	if err != nil {
		c.Logger.Debug("frame failed", zap.String("type", f.Type), zap.Error(err))
		c.emitError(err.Error())
	}
}

// writePump читає кадри з каналу Send і записує їх у WebSocket.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Канал закрито хабом, закриваємо з'єднання WS
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(frame); err != nil {
				c.Logger.Debug("write frame", zap.Error(err))
				return
			}

		case <-ticker.C:
			// Надсилаємо Ping для підтримки з'єднання активним
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
