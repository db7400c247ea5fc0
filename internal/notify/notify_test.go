package notify

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/model"
)

type fakeConn struct {
	id     string
	ch     chan StatusUpdate
	panics bool

	mu     sync.Mutex
	closed bool
}

func newFakeConn(id string, buffer int) *fakeConn {
	return &fakeConn{id: id, ch: make(chan StatusUpdate, buffer)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(update StatusUpdate) bool {
	if c.panics {
		panic("connection gone")
	}
	select {
	case c.ch <- update:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func paid(ref string) StatusUpdate {
	return StatusUpdate{
		MerchantRef:   ref,
		Status:        model.OrderStatusPaid,
		TransactionID: "4200",
		Timestamp:     time.Now(),
	}
}

func TestHubJoinLeave(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := newFakeConn("a", 1)

	require.NoError(t, hub.Join("M1", a, "u1"))
	// повторное присоединение к той же комнате
	require.NoError(t, hub.Join("M1", a, "u1"))
	require.ErrorIs(t, hub.Join("M2", a, "u1"), ErrAlreadyJoined)
	require.True(t, hub.HasActiveListeners("M1"))
	require.False(t, hub.HasActiveListeners("M2"))

	require.False(t, hub.Leave("M2", a))
	require.True(t, hub.Leave("M1", a))
	require.False(t, hub.HasActiveListeners("M1"))

	// после выхода можно присоединиться к другой комнате
	require.NoError(t, hub.Join("M2", a, "u1"))
	require.True(t, hub.HasActiveListeners("M2"))
}

func TestHubDisconnectSweeps(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := newFakeConn("a", 1)
	b := newFakeConn("b", 1)

	require.NoError(t, hub.Join("M1", a, ""))
	require.NoError(t, hub.Join("M1", b, ""))

	hub.Disconnect(a)
	require.True(t, hub.HasActiveListeners("M1"))
	require.Equal(t, 1, hub.Deliver(paid("M1")))

	hub.Disconnect(b)
	require.False(t, hub.HasActiveListeners("M1"))
	require.Empty(t, hub.rooms)
	require.Empty(t, hub.members)
}

func TestHubPublishIsolatesFailures(t *testing.T) {
	hub := NewHub(zap.NewNop())
	broken := newFakeConn("broken", 1)
	broken.panics = true
	full := newFakeConn("full", 0)
	healthy := newFakeConn("healthy", 1)

	for _, c := range []*fakeConn{broken, full, healthy} {
		require.NoError(t, hub.Join("M1", c, ""))
	}

	require.NoError(t, hub.Publish(context.Background(), paid("M1")))
	select {
	case update := <-healthy.ch:
		require.Equal(t, model.OrderStatusPaid, update.Status)
	default:
		t.Fatal("healthy connection did not receive the update")
	}
}

func TestHubLateJoinerGetsNoReplay(t *testing.T) {
	hub := NewHub(zap.NewNop())
	early := newFakeConn("early", 4)
	require.NoError(t, hub.Join("M1", early, "u1"))

	require.Equal(t, 1, hub.Deliver(paid("M1")))
	require.Len(t, early.ch, 1)

	late := newFakeConn("late", 4)
	require.NoError(t, hub.Join("M1", late, "u1"))
	require.Len(t, late.ch, 0)
	require.Len(t, early.ch, 1)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := newFakeConn("a", 1)
	require.NoError(t, hub.Join("M1", a, ""))

	hub.Close()
	require.True(t, a.isClosed())
	require.False(t, hub.HasActiveListeners("M1"))
	require.ErrorIs(t, hub.Join("M1", newFakeConn("b", 1), ""), ErrClosed)
}

func TestHubConcurrentAccess(t *testing.T) {
	hub := NewHub(zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(strconv.Itoa(i), 8)
			_ = hub.Join("M1", c, "")
			hub.Deliver(paid("M1"))
			hub.Disconnect(c)
		}(i)
	}
	wg.Wait()
	require.False(t, hub.HasActiveListeners("M1"))
}

func TestRedisRelay(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis-dependent test: REDIS_ADDR is not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}

	hub := NewHub(zap.NewNop())
	conn := newFakeConn("a", 1)
	require.NoError(t, hub.Join("M1", conn, ""))

	relay := NewRedisRelay(rdb, "resumepay:test:"+time.Now().Format("150405.000"), hub, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, relay.Start(ctx))

	require.NoError(t, relay.Publish(ctx, paid("M1")))
	select {
	case update := <-conn.ch:
		require.Equal(t, "M1", update.MerchantRef)
	case <-time.After(2 * time.Second):
		t.Fatal("update did not arrive through the relay")
	}
}

// Недоступный Redis: запуск завершается ошибкой, а не ждет подписки
func TestRedisRelayStartFails(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	relay := NewRedisRelay(rdb, "resumepay:test", NewHub(zap.NewNop()), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := relay.Start(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRedisRelayStartCancelled(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer rdb.Close()

	relay := NewRedisRelay(rdb, "resumepay:test", NewHub(zap.NewNop()), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, relay.Start(ctx))
}
