package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/auth"
	"github.com/iurnickita/resumepay/internal/handler/config"
	"github.com/iurnickita/resumepay/internal/lock"
	"github.com/iurnickita/resumepay/internal/model"
	"github.com/iurnickita/resumepay/internal/notify"
	"github.com/iurnickita/resumepay/internal/payclient"
	"github.com/iurnickita/resumepay/internal/service"
	serviceConfig "github.com/iurnickita/resumepay/internal/service/config"
	"github.com/iurnickita/resumepay/internal/store"
	"github.com/iurnickita/resumepay/internal/token"
)

const testSecret = "test-secret"

type stubPay struct{}

func (stubPay) Configured() bool { return true }

func (stubPay) CreateTransaction(_ context.Context, tx payclient.Transaction) (string, error) {
	return "weixin://wxpay/" + tx.MerchantRef, nil
}

func (stubPay) QueryTransaction(context.Context, string) (payclient.TradeResult, error) {
	return payclient.TradeResult{}, payclient.ErrNotFound
}

func (stubPay) CloseTransaction(context.Context, string) error { return nil }

func (stubPay) DecryptNotification(string, string, string) ([]byte, error) {
	return nil, payclient.ErrDecrypt
}

type fixture struct {
	router  http.Handler
	store   store.Store
	service service.Service
	hub     *notify.Hub
}

func newFixture(t *testing.T) fixture {
	zaplog := zap.NewNop()
	st := store.NewMemStore()
	hub := notify.NewHub(zaplog)
	svc, err := service.NewService(serviceConfig.Config{
		PriceBase:       680,
		PriceViewer:     50,
		DownloadLimit:   9,
		OrderPendingTTL: 2 * time.Hour,
		WebhookMaxAge:   25 * time.Hour,
		ReconcileBatch:  50,
	}, st, lock.NewKeyed(), stubPay{}, hub, 1, zaplog)
	require.NoError(t, err)

	h := newHandler(config.Config{AllowedOrigins: []string{"*"}, WSSendBuffer: 4},
		auth.NewAuth(testSecret, zaplog), svc, hub, zaplog)
	return fixture{router: h.newRouter(), store: st, service: svc, hub: hub}
}

func bearer(t *testing.T, user string) string {
	tokenString, err := token.BuildJWTString(testSecret, user, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tokenString
}

func (f fixture) do(t *testing.T, method, target, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", bearer(t, user))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestPurchaseAndDownload(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/payment/create-order", "", `{"resumeId":"R1"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/payment/create-order", "u1", `{"resumeId":"R1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var payment PaymentJSONResponse
	decodeBody(t, rec, &payment)
	require.NotEmpty(t, payment.OutTradeNo)
	require.NotEmpty(t, payment.CodeURL)
	require.EqualValues(t, 680, payment.Amount)
	require.Equal(t, "pending", payment.Status)

	rec = f.do(t, http.MethodGet, "/api/payment/check-download-limit?resumeId=R1", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var limit DownloadLimitJSONResponse
	decodeBody(t, rec, &limit)
	require.False(t, limit.CanDownload)

	rec = f.do(t, http.MethodPost, "/api/payment/download", "u1", `{"resumeId":"R1"}`)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	_, err := f.store.OrderTransition(context.Background(), payment.OutTradeNo,
		model.OrderStatusPending, model.OrderStatusPaid, "4200", time.Now())
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/api/payment/download", "u1", `{"resumeId":"R1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var download AuthorizedDownloadJSONResponse
	decodeBody(t, rec, &download)
	require.Equal(t, 8, download.RemainingDownloads)
	require.Equal(t, "owner_paid", download.Download.Type)

	// чужой заказ не виден
	rec = f.do(t, http.MethodGet, "/api/payment/order-status?outTradeNo="+payment.OutTradeNo, "u2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/payment/order-status?outTradeNo="+payment.OutTradeNo, "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status OrderJSONResponse
	decodeBody(t, rec, &status)
	require.Equal(t, "paid", status.Status)
	require.NotNil(t, status.PaidAt)

	rec = f.do(t, http.MethodPost, "/api/payment/cancel-order", "u1", `{"outTradeNo":"`+payment.OutTradeNo+`"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{name: "malformed json", method: http.MethodPost, target: "/api/payment/create-order", body: `{"resumeId":`, want: http.StatusBadRequest},
		{name: "missing resume", method: http.MethodPost, target: "/api/payment/create-order", body: `{}`, want: http.StatusBadRequest},
		{name: "unknown payment type", method: http.MethodPost, target: "/api/payment/create-share-order", body: `{"shareToken":"abc","paymentType":"gift"}`, want: http.StatusBadRequest},
		{name: "missing resume query", method: http.MethodGet, target: "/api/payment/check-download-limit", want: http.StatusBadRequest},
		{name: "bad merchant ref", method: http.MethodGet, target: "/api/payment/order-status?outTradeNo=PDF123", want: http.StatusNotFound},
		{name: "unknown share", method: http.MethodPost, target: "/api/payment/create-share-order", body: `{"shareToken":"abc","paymentType":"viewer"}`, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.target, "u1", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestShareRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/share", "owner", `{"resumeId":"R1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sh ShareJSONResponse
	decodeBody(t, rec, &sh)
	require.NotEmpty(t, sh.ShareToken)
	require.True(t, sh.IsActive)

	rec = f.do(t, http.MethodGet, "/api/share/resume/R1", "owner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var shares []ShareJSONResponse
	decodeBody(t, rec, &shares)
	require.Len(t, shares, 1)

	rec = f.do(t, http.MethodGet, "/api/shared/"+sh.ShareToken, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "owner")

	rec = f.do(t, http.MethodGet, "/api/payment/check-share-access?shareToken="+sh.ShareToken, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var access ShareAccessJSONResponse
	decodeBody(t, rec, &access)
	require.False(t, access.HasAccess)
	require.Equal(t, "none", access.AccessType)

	rec = f.do(t, http.MethodPost, "/api/payment/record-share-download", "", `{"shareToken":"`+sh.ShareToken+`"}`)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/payment/create-share-order", "", `{"shareToken":"`+sh.ShareToken+`","paymentType":"viewer"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var payment PaymentJSONResponse
	decodeBody(t, rec, &payment)
	require.EqualValues(t, 50, payment.Amount)

	// заказ по ссылке доступен анонимно
	rec = f.do(t, http.MethodGet, "/api/payment/order-status?outTradeNo="+payment.OutTradeNo, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/share/"+sh.ID, "stranger", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/share/"+sh.ID, "owner", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/shared/"+sh.ShareToken, "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotifyRoute(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, notifyPath, "", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var ack map[string]string
	decodeBody(t, rec, &ack)
	require.Equal(t, "FAIL", ack["code"])
}

func TestPaymentRoomWebSocket(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	payment, err := f.service.CreateOrder(context.Background(), "u1", "R1")
	require.NoError(t, err)
	ref := payment.Order.MerchantRef

	header := http.Header{}
	header.Set("Authorization", bearer(t, "u1"))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/payment", header)
	require.NoError(t, err)
	defer conn.Close()

	read := func() wsServerMessage {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg wsServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	require.NoError(t, conn.WriteJSON(wsClientMessage{Event: eventJoin, OutTradeNo: "PDF0"}))
	msg := read()
	require.Equal(t, eventError, msg.Event)

	require.NoError(t, conn.WriteJSON(wsClientMessage{Event: eventJoin, OutTradeNo: ref, UserID: "u1"}))
	msg = read()
	require.Equal(t, eventJoined, msg.Event)
	require.Equal(t, ref, msg.OutTradeNo)
	require.Eventually(t, func() bool { return f.hub.HasActiveListeners(ref) }, time.Second, 10*time.Millisecond)

	_, err = f.service.CancelOrder(context.Background(), ref, "u1")
	require.NoError(t, err)
	msg = read()
	require.Equal(t, eventStatus, msg.Event)
	require.NotNil(t, msg.Update)
	require.Equal(t, model.OrderStatusCancelled, msg.Update.Status)

	require.NoError(t, conn.WriteJSON(wsClientMessage{Event: eventLeave, OutTradeNo: ref}))
	msg = read()
	require.Equal(t, eventLeft, msg.Event)
	require.False(t, f.hub.HasActiveListeners(ref))
}
