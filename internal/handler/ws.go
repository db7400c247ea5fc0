package handler

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/auth"
	"github.com/iurnickita/resumepay/internal/notify"
	"github.com/iurnickita/resumepay/internal/order"
)

const (
	eventJoin        = "join_payment_room"
	eventLeave       = "leave_payment_room"
	eventJoined      = "payment_room_joined"
	eventLeft        = "payment_room_left"
	eventStatus      = "payment_status_update"
	eventError       = "error"
	defaultWSBuffer  = 8
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

type wsClientMessage struct {
	Event      string `json:"event"`
	OutTradeNo string `json:"outTradeNo"`
	UserID     string `json:"userId"`
}

type wsServerMessage struct {
	Event      string               `json:"event"`
	OutTradeNo string               `json:"outTradeNo,omitempty"`
	Message    string               `json:"message,omitempty"`
	Update     *notify.StatusUpdate `json:"data,omitempty"`
}

// wsConn - websocket-соединение в комнатах hub.
// Запись идет только из writeLoop, Send не блокируется.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	send   chan wsServerMessage
	done   chan struct{}
	once   sync.Once
	zaplog *zap.Logger
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(update notify.StatusUpdate) bool {
	return c.enqueue(wsServerMessage{Event: eventStatus, OutTradeNo: update.MerchantRef, Update: &update})
}

func (c *wsConn) enqueue(msg wsServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		// очередь заполнена: событие теряется только для этого соединения
		return false
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.zaplog.Debug("websocket write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range h.cfg.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// ServeWS: клиент подписывается на комнату заказа и получает смену статуса
func (h *handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		h.zaplog.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	buffer := h.cfg.WSSendBuffer
	if buffer <= 0 {
		buffer = defaultWSBuffer
	}
	c := &wsConn{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan wsServerMessage, buffer),
		done:   make(chan struct{}),
		zaplog: h.zaplog,
	}
	go c.writeLoop()

	subject := auth.UserCode(r.Context())
	h.readLoop(r, c, subject)

	h.hub.Disconnect(c)
	c.Close()
}

func (h *handler) readLoop(r *http.Request, c *wsConn, subject string) {
	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg wsClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.zaplog.Debug("websocket closed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}

		switch msg.Event {
		case eventJoin:
			h.joinRoom(r, c, subject, msg)
		case eventLeave:
			if h.hub.Leave(msg.OutTradeNo, c) {
				c.enqueue(wsServerMessage{Event: eventLeft, OutTradeNo: msg.OutTradeNo})
			} else {
				c.enqueue(wsServerMessage{Event: eventError, OutTradeNo: msg.OutTradeNo, Message: "not in payment room"})
			}
		default:
			c.enqueue(wsServerMessage{Event: eventError, Message: "unknown event"})
		}
	}
}

// joinRoom пускает в комнату только того, кто может видеть статус заказа
func (h *handler) joinRoom(r *http.Request, c *wsConn, subject string, msg wsClientMessage) {
	if msg.UserID != "" && subject != "" && msg.UserID != subject {
		c.enqueue(wsServerMessage{Event: eventError, OutTradeNo: msg.OutTradeNo, Message: "user mismatch"})
		return
	}

	if _, err := h.service.OrderStatus(r.Context(), msg.OutTradeNo, subject); err != nil {
		message := "payment room unavailable"
		if errors.Is(err, order.ErrOrderNotFound) {
			message = "order not found"
		}
		c.enqueue(wsServerMessage{Event: eventError, OutTradeNo: msg.OutTradeNo, Message: message})
		return
	}

	if err := h.hub.Join(msg.OutTradeNo, c, subject); err != nil {
		c.enqueue(wsServerMessage{Event: eventError, OutTradeNo: msg.OutTradeNo, Message: err.Error()})
		return
	}
	c.enqueue(wsServerMessage{Event: eventJoined, OutTradeNo: msg.OutTradeNo})
}
