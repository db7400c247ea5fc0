package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/model"
)

var (
	ErrAlreadyJoined = errors.New("connection already joined another payment room")
	ErrClosed        = errors.New("notification hub is closed")
)

type StatusUpdate struct {
	MerchantRef   string            `json:"outTradeNo"`
	Status        model.OrderStatus `json:"status"`
	TransactionID string            `json:"transactionId,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Conn - соединение клиента. Send не блокируется: false, если событие не поставлено в очередь
type Conn interface {
	ID() string
	Send(update StatusUpdate) bool
	Close() error
}

// Publisher вызывается после фиксации перехода статуса
type Publisher interface {
	Publish(ctx context.Context, update StatusUpdate) error
}

type member struct {
	ref     string
	subject string
}

type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Conn
	members map[string]member
	closed  bool
	zaplog  *zap.Logger
}

func NewHub(zaplog *zap.Logger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[string]Conn),
		members: make(map[string]member),
		zaplog:  zaplog,
	}
}

// Join: соединение находится не более чем в одной комнате
func (hub *Hub) Join(ref string, conn Conn, subject string) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.closed {
		return ErrClosed
	}
	if m, ok := hub.members[conn.ID()]; ok {
		if m.ref != ref {
			return ErrAlreadyJoined
		}
		return nil
	}

	room, ok := hub.rooms[ref]
	if !ok {
		room = make(map[string]Conn)
		hub.rooms[ref] = room
	}
	room[conn.ID()] = conn
	hub.members[conn.ID()] = member{ref: ref, subject: subject}

	hub.zaplog.Debug("joined payment room",
		zap.String("out_trade_no", ref),
		zap.String("conn", conn.ID()),
		zap.String("subject", subject))
	return nil
}

func (hub *Hub) Leave(ref string, conn Conn) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	room, ok := hub.rooms[ref]
	if !ok {
		return false
	}
	if _, ok = room[conn.ID()]; !ok {
		return false
	}
	hub.removeLocked(ref, conn.ID())
	return true
}

func (hub *Hub) Disconnect(conn Conn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for ref, room := range hub.rooms {
		if _, ok := room[conn.ID()]; ok {
			hub.removeLocked(ref, conn.ID())
		}
	}
	delete(hub.members, conn.ID())
}

func (hub *Hub) removeLocked(ref string, connID string) {
	room := hub.rooms[ref]
	delete(room, connID)
	if len(room) == 0 {
		delete(hub.rooms, ref)
	}
	if m, ok := hub.members[connID]; ok && m.ref == ref {
		delete(hub.members, connID)
	}
}

func (hub *Hub) Publish(_ context.Context, update StatusUpdate) error {
	hub.Deliver(update)
	return nil
}

// Deliver возвращает число соединений, принявших событие.
// Медленное соединение теряет только свою копию
func (hub *Hub) Deliver(update StatusUpdate) int {
	hub.mu.RLock()
	room := hub.rooms[update.MerchantRef]
	conns := make([]Conn, 0, len(room))
	for _, conn := range room {
		conns = append(conns, conn)
	}
	hub.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if hub.send(conn, update) {
			delivered++
		}
	}
	hub.zaplog.Debug("payment status published",
		zap.String("out_trade_no", update.MerchantRef),
		zap.String("status", string(update.Status)),
		zap.Int("listeners", len(conns)),
		zap.Int("delivered", delivered))
	return delivered
}

func (hub *Hub) send(conn Conn, update StatusUpdate) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			hub.zaplog.Warn("payment status delivery panicked",
				zap.String("conn", conn.ID()),
				zap.Any("panic", r))
			ok = false
		}
	}()
	if !conn.Send(update) {
		hub.zaplog.Debug("payment status dropped", zap.String("conn", conn.ID()))
		return false
	}
	return true
}

func (hub *Hub) HasActiveListeners(ref string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.rooms[ref]) > 0
}

// Close закрывает все соединения, дальше Join возвращает ErrClosed
func (hub *Hub) Close() {
	hub.mu.Lock()
	var conns []Conn
	for _, room := range hub.rooms {
		for _, conn := range room {
			conns = append(conns, conn)
		}
	}
	hub.rooms = make(map[string]map[string]Conn)
	hub.members = make(map[string]member)
	hub.closed = true
	hub.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			hub.zaplog.Debug("close connection", zap.String("conn", conn.ID()), zap.Error(err))
		}
	}
	hub.zaplog.Info("notification hub closed", zap.Int("connections", len(conns)))
}
