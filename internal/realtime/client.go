package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/veriface/callguard/internal/auth"
	"github.com/veriface/callguard/internal/inference"
	"github.com/veriface/callguard/internal/protocol"
)

// frameReadLimit fits a 640x480 JPEG data URL with room to spare.
const frameReadLimit = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the channel is authenticated by token, not origin
	},
}

// TokenValidator resolves a bearer token to the caller's user id and account role.
type TokenValidator func(token string) (userID, role string, err error)

// JWTValidator adapts the JWT service to a TokenValidator.
func JWTValidator(svc *auth.JWTService) TokenValidator {
	return func(token string) (string, string, error) {
		claims, err := svc.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID.String(), claims.Role, nil
	}
}

// Client is one verification channel connection.
type Client struct {
	ID        string
	MeetingID string
	SubjectID string
	UserID    string
	Role      string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	slot      *frameSlot
	scorer    inference.Scorer
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// ServeVerify handles GET /ws/verify/:meeting/:subject. The token is read from the
// Authorization header or the "token" query parameter. A nil validate accepts
// anonymous connections. maxRPS caps scoring calls per connection; 0 means unlimited.
func ServeVerify(hub *Hub, scorer inference.Scorer, validate TokenValidator, maxRPS float64, logger *zap.Logger) gin.HandlerFunc {
	if scorer == nil {
		scorer = inference.Nop{}
	}
	limit := rate.Inf
	if maxRPS > 0 {
		limit = rate.Limit(maxRPS)
	}
	return func(c *gin.Context) {
		meetingID := c.Param("meeting")
		subjectID := c.Param("subject")
		if meetingID == "" || subjectID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "meeting and subject required"})
			return
		}
		var userID, role string
		if validate != nil {
			token, ok := auth.BearerToken(c.GetHeader("Authorization"))
			if !ok {
				token = c.Query("token")
			}
			if token == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
				return
			}
			var err error
			if userID, role, err = validate(token); err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			MeetingID: meetingID,
			SubjectID: subjectID,
			UserID:    userID,
			Role:      role,
			hub:       hub,
			conn:      conn,
			send:      make(chan []byte, 64),
			slot:      newFrameSlot(),
			scorer:    scorer,
			limiter:   rate.NewLimiter(limit, 1),
			logger: logger.With(
				zap.String("meeting_id", meetingID),
				zap.String("subject_id", subjectID),
			),
		}
		hub.Register(client)

		ctx, cancel := context.WithCancel(c.Request.Context())
		go client.writePump(ctx)
		go client.scoreLoop(ctx)
		client.readPump()
		cancel()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.slot.close()
		c.hub.Unregister(c)
		_ = c.conn.Close()
		received, dropped := c.slot.stats()
		c.logger.Info("verification connection closed",
			zap.Uint64("frames", received),
			zap.Uint64("frames_dropped", dropped),
			zap.Int("meeting_connections", c.hub.Count(c.MeetingID)),
		)
	}()

	c.conn.SetReadLimit(frameReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("skip malformed message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case protocol.TypePing:
			// keepalive only
		case protocol.TypeFrame:
			if _, err := protocol.DecodeDataURL(msg.Image); err != nil {
				c.logger.Debug("skip undecodable frame", zap.Error(err))
				continue
			}
			c.slot.put(msg.Image)
		default:
			c.logger.Debug("ignore message", zap.String("type", string(msg.Type)))
		}
	}
}

// scoreLoop scores the latest frame and fans the result out to the meeting.
func (c *Client) scoreLoop(ctx context.Context) {
	for {
		image, ok := c.slot.take()
		if !ok {
			return
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		score, err := c.scorer.Score(ctx, inference.Frame{
			MeetingID: c.MeetingID,
			SubjectID: c.SubjectID,
			Image:     image,
		})
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("scoring failed", zap.Error(err))
			}
			continue
		}
		if score.Empty() {
			continue
		}
		score.Type = protocol.TypeScore
		payload, err := json.Marshal(score)
		if err != nil {
			continue
		}
		c.hub.PublishScore(c.MeetingID, payload)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
