package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// ClientMessage is what a connected client sends upstream: explicit session
// room membership changes.
type ClientMessage struct {
	Action        string    `json:"action"`
	AppointmentID uuid.UUID `json:"appointment_id"`
}

const (
	ActionJoinRoom  = "join-room"
	ActionLeaveRoom = "leave-room"
)

// RoomAuthorizer decides whether a user may join an appointment's session
// room. The ws handler wires this to the session service.
type RoomAuthorizer interface {
	CanJoinRoom(ctx context.Context, userID, appointmentID uuid.UUID) error
}

// Client pumps one websocket connection. It implements Sender; Send never
// blocks and drops the event when the peer cannot keep up.
type Client struct {
	userID   uuid.UUID
	conn     *websocket.Conn
	registry Registry
	auth     RoomAuthorizer
	send     chan Event
}

func NewClient(userID uuid.UUID, conn *websocket.Conn, registry Registry, auth RoomAuthorizer) *Client {
	return &Client{
		userID:   userID,
		conn:     conn,
		registry: registry,
		auth:     auth,
		send:     make(chan Event, sendBuffer),
	}
}

func (c *Client) Send(event Event) error {
	select {
	case c.send <- event:
		return nil
	default:
		return fmt.Errorf("send buffer full for user %s", c.userID)
	}
}

// Run registers the client, pumps both directions, and tears everything down
// when either side closes. Blocks until the connection is gone.
func (c *Client) Run() {
	c.registry.Connect(c.userID, c)
	defer func() {
		c.registry.Disconnect(c.userID)
		c.conn.Close()
	}()

	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user_id", c.userID.String()).Msg("websocket closed unexpectedly")
			}
			return
		}

		switch msg.Action {
		case ActionJoinRoom:
			if err := c.auth.CanJoinRoom(context.Background(), c.userID, msg.AppointmentID); err != nil {
				log.Warn().Err(err).
					Str("user_id", c.userID.String()).
					Str("appointment_id", msg.AppointmentID.String()).
					Msg("room join rejected")
				continue
			}
			c.registry.JoinRoom(msg.AppointmentID.String(), c.userID)
		case ActionLeaveRoom:
			c.registry.LeaveRoom(msg.AppointmentID.String(), c.userID)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
