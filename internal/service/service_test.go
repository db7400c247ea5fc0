package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/lock"
	"github.com/iurnickita/resumepay/internal/model"
	"github.com/iurnickita/resumepay/internal/notify"
	"github.com/iurnickita/resumepay/internal/order"
	"github.com/iurnickita/resumepay/internal/payclient"
	"github.com/iurnickita/resumepay/internal/quota"
	"github.com/iurnickita/resumepay/internal/service/config"
	"github.com/iurnickita/resumepay/internal/share"
	"github.com/iurnickita/resumepay/internal/store"
	"github.com/iurnickita/resumepay/internal/webhook"
)

type fakePay struct {
	mu     sync.Mutex
	states map[string]payclient.TradeResult
}

func (p *fakePay) Configured() bool { return true }

func (p *fakePay) CreateTransaction(_ context.Context, tx payclient.Transaction) (string, error) {
	return "weixin://wxpay/" + tx.MerchantRef, nil
}

func (p *fakePay) QueryTransaction(_ context.Context, ref string) (payclient.TradeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result, ok := p.states[ref]
	if !ok {
		return payclient.TradeResult{}, payclient.ErrNotFound
	}
	return result, nil
}

func (p *fakePay) CloseTransaction(context.Context, string) error { return nil }

func (p *fakePay) DecryptNotification(string, string, string) ([]byte, error) {
	return nil, payclient.ErrDecrypt
}

func (p *fakePay) set(ref string, state string, txn string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[ref] = payclient.TradeResult{MerchantRef: ref, TradeState: state, TransactionID: txn}
}

func testConfig() config.Config {
	return config.Config{
		PriceBase:       680,
		PriceViewer:     50,
		DownloadLimit:   9,
		OrderPendingTTL: 2 * time.Hour,
		WebhookMaxAge:   25 * time.Hour,
		ReconcileBatch:  50,
	}
}

func newTestService(t *testing.T) (Service, store.Store, *fakePay, *notify.Hub) {
	st := store.NewMemStore()
	pay := &fakePay{states: make(map[string]payclient.TradeResult)}
	hub := notify.NewHub(zap.NewNop())
	s, err := NewService(testConfig(), st, lock.NewKeyed(), pay, hub, 1, zap.NewNop())
	require.NoError(t, err)
	return s, st, pay, hub
}

func TestDirectPurchaseScenario(t *testing.T) {
	s, _, _, _ := newTestService(t)
	ctx := context.Background()

	payment, err := s.CreateOrder(ctx, "u1", "R1")
	require.NoError(t, err)
	require.NotEmpty(t, payment.CodeURL)
	require.EqualValues(t, 680, payment.Order.Data.Amount)

	limit, err := s.CheckDownloadLimit(ctx, "u1", "R1")
	require.NoError(t, err)
	require.False(t, limit.CanDownload)

	_, _, err = s.Download(ctx, "u1", "R1")
	require.ErrorIs(t, err, quota.ErrNoAccess)

	// статус заказа видит только покупатель
	_, err = s.OrderStatus(ctx, payment.Order.MerchantRef, "u2")
	require.ErrorIs(t, err, order.ErrOrderNotFound)
	got, err := s.OrderStatus(ctx, payment.Order.MerchantRef, "u1")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusPending, got.Data.Status)

	_, err = s.CancelOrder(ctx, payment.Order.MerchantRef, "u2")
	require.ErrorIs(t, err, order.ErrOrderNotFound)
	cancelled, err := s.CancelOrder(ctx, payment.Order.MerchantRef, "u1")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusCancelled, cancelled.Data.Status)

	_, err = s.CreateOrder(ctx, "", "R1")
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestShareOrders(t *testing.T) {
	s, _, _, _ := newTestService(t)
	ctx := context.Background()

	sh, err := s.CreateShare(ctx, "R1", "owner")
	require.NoError(t, err)

	owner, err := s.CreateShareOrder(ctx, sh.Token, PaymentTypeOwner, "visitor")
	require.NoError(t, err)
	require.Equal(t, model.OrderKindOwnerShare, owner.Order.Data.Kind)
	require.Equal(t, "owner", owner.Order.Data.SubjectID)
	require.Equal(t, sh.ID, owner.Order.Data.ShareID)
	require.EqualValues(t, 680, owner.Order.Data.Amount)

	viewer, err := s.CreateShareOrder(ctx, sh.Token, PaymentTypeViewer, "")
	require.NoError(t, err)
	require.Equal(t, model.OrderKindViewerShare, viewer.Order.Data.Kind)
	require.Empty(t, viewer.Order.Data.SubjectID)
	require.EqualValues(t, 50, viewer.Order.Data.Amount)

	// заказ по ссылке виден по номеру без входа
	_, err = s.OrderStatus(ctx, viewer.Order.MerchantRef, "")
	require.NoError(t, err)

	_, err = s.CreateShareOrder(ctx, sh.Token, "gift", "")
	require.ErrorIs(t, err, ErrInsufficientData)

	_, err = s.DeactivateShare(ctx, sh.ID, "owner")
	require.NoError(t, err)
	_, err = s.CreateShareOrder(ctx, sh.Token, PaymentTypeViewer, "")
	require.ErrorIs(t, err, share.ErrShareNotFound)
	_, err = s.GetShared(ctx, sh.Token)
	require.ErrorIs(t, err, share.ErrShareNotFound)
}

func TestReconcile(t *testing.T) {
	s, st, pay, _ := newTestService(t)
	ctx := context.Background()
	svc := s.(*service)

	// заказы старше минуты
	old := time.Now().Add(-2 * time.Minute)
	expired := time.Now().Add(-3 * time.Hour)
	orders := map[string]model.Order{}
	for name, createdAt := range map[string]time.Time{
		"paid":      old,
		"closed":    old,
		"missing":   old,
		"notpay":    old,
		"abandoned": expired,
		"fresh":     time.Now(),
	} {
		ref, err := order.NewMerchantRef(model.OrderKindDirect, createdAt)
		require.NoError(t, err)
		o := model.Order{
			ID:          name + "-" + ref,
			MerchantRef: ref,
			Data: model.OrderData{
				Amount:     680,
				Status:     model.OrderStatusPending,
				Kind:       model.OrderKindDirect,
				ResourceID: "R1",
				SubjectID:  "u1",
				CreatedAt:  createdAt,
				UpdatedAt:  createdAt,
			},
		}
		require.NoError(t, st.OrderPost(ctx, o))
		orders[name] = o
	}
	pay.set(orders["paid"].MerchantRef, payclient.TradeStateSuccess, "4200")
	pay.set(orders["closed"].MerchantRef, payclient.TradeStateClosed, "")
	pay.set(orders["notpay"].MerchantRef, payclient.TradeStateNotPay, "")
	pay.set(orders["abandoned"].MerchantRef, payclient.TradeStateNotPay, "")
	pay.set(orders["fresh"].MerchantRef, payclient.TradeStateSuccess, "4300")

	resolved, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, resolved)

	want := map[string]model.OrderStatus{
		"paid":      model.OrderStatusPaid,
		"closed":    model.OrderStatusCancelled,
		"missing":   model.OrderStatusCancelled,
		"notpay":    model.OrderStatusPending,
		"abandoned": model.OrderStatusCancelled,
		"fresh":     model.OrderStatusPending,
	}
	for name, status := range want {
		got, err := st.OrderGet(ctx, orders[name].MerchantRef)
		require.NoError(t, err)
		require.Equal(t, status, got.Data.Status, name)
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	st := store.NewMemStore()
	cfg := testConfig()
	cfg.ReconcileSchedule = "@every 1h"
	s, err := NewService(cfg, st, lock.NewKeyed(), &fakePay{states: map[string]payclient.TradeResult{}}, nil, 1, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	s.Stop()

	cfg.ReconcileSchedule = "every now and then"
	_, err = NewService(cfg, st, lock.NewKeyed(), &fakePay{}, nil, 1, zap.NewNop())
	require.Error(t, err)
}

func TestNotificationRejectedWithoutDecryption(t *testing.T) {
	s, _, _, _ := newTestService(t)
	ack, status := s.HandleNotification(context.Background(), []byte(`{"id":"EV-1","event_type":"TRANSACTION.SUCCESS","create_time":"`+
		time.Now().Format(time.RFC3339)+`","resource":{"algorithm":"AEAD_AES_256_GCM","ciphertext":"AAAA","nonce":"0123456789ab"}}`))
	require.Equal(t, webhook.AckFail, ack.Code)
	require.Equal(t, 400, status)
}
