package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/auth"
	"github.com/iurnickita/resumepay/internal/handler/config"
	"github.com/iurnickita/resumepay/internal/logger"
	"github.com/iurnickita/resumepay/internal/model"
	"github.com/iurnickita/resumepay/internal/notify"
	"github.com/iurnickita/resumepay/internal/order"
	"github.com/iurnickita/resumepay/internal/quota"
	"github.com/iurnickita/resumepay/internal/service"
	"github.com/iurnickita/resumepay/internal/share"
	"github.com/iurnickita/resumepay/internal/webhook"
)

const (
	notifyPath      = "/api/payment/wechat-notify"
	maxBodySize     = 64 << 10
	shutdownTimeout = 10 * time.Second
)

// Serve работает до отмены ctx, затем плавно останавливает сервер
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, hub *notify.Hub, zaplog *zap.Logger) error {
	h := newHandler(cfg, auth, service, hub, zaplog)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h.newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("starting server", zap.String("addr", cfg.ServerAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	zaplog.Info("server stopped")
	return nil
}

type handler struct {
	cfg      config.Config
	auth     auth.Auth
	service  service.Service
	hub      *notify.Hub
	validate *validator.Validate
	zaplog   *zap.Logger
}

func newHandler(cfg config.Config, auth auth.Auth, service service.Service, hub *notify.Hub, zaplog *zap.Logger) *handler {
	return &handler{
		cfg:      cfg,
		auth:     auth,
		service:  service,
		hub:      hub,
		validate: validator.New(),
		zaplog:   zaplog,
	}
}

func (h *handler) newRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogMdlw(h.zaplog, notifyPath))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// уведомления платежной системы: без авторизации и без сжатия
	r.Post(notifyPath, h.PostNotify)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5, "application/json"))

		r.Get("/api/payment/check-share-access", h.GetShareAccess)
		r.Get("/api/shared/{shareToken}", h.GetShared)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Required)
			r.Post("/api/payment/create-order", h.PostCreateOrder)
			r.Get("/api/payment/check-download-limit", h.GetDownloadLimit)
			r.Post("/api/payment/record-download", h.PostRecordDownload)
			r.Post("/api/payment/download", h.PostDownload)
			r.Post("/api/payment/cancel-order", h.PostCancelOrder)
			r.Post("/api/share", h.PostShare)
			r.Get("/api/share/resume/{resumeId}", h.GetShares)
			r.Delete("/api/share/{shareId}", h.DeleteShare)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Optional)
			r.Get("/api/payment/order-status", h.GetOrderStatus)
			r.Post("/api/payment/create-share-order", h.PostCreateShareOrder)
			r.Post("/api/payment/record-share-download", h.PostRecordShareDownload)
		})
	})

	r.With(h.auth.Optional).Get("/ws/payment", h.ServeWS)

	return r
}

// Ошибки предметной области в HTTP-коды. Внутренние подробности
// о платежной системе наружу не передаются.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.Is(err, service.ErrInsufficientData), errors.As(err, &validationErrors):
		http.Error(w, "invalid request", http.StatusBadRequest)
	case errors.Is(err, quota.ErrNoAccess):
		http.Error(w, "payment required", http.StatusPaymentRequired)
	case errors.Is(err, order.ErrOrderNotFound):
		http.Error(w, "order not found", http.StatusNotFound)
	case errors.Is(err, share.ErrShareNotFound):
		http.Error(w, "share not found", http.StatusNotFound)
	case errors.Is(err, order.ErrInvalidTransition):
		http.Error(w, "order status does not allow this operation", http.StatusConflict)
	case errors.Is(err, order.ErrConflictingConfirmation), errors.Is(err, order.ErrProviderConfigIncomplete):
		http.Error(w, "payment is temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, order.ErrProviderUnavailable):
		http.Error(w, "payment provider is unavailable", http.StatusBadGateway)
	default:
		h.zaplog.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}

// decode читает JSON-тело и проверяет его по тегам validate
func (h *handler) decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return service.ErrInsufficientData
	}
	if err = json.Unmarshal(body, v); err != nil {
		return service.ErrInsufficientData
	}
	return h.validate.Struct(v)
}

// Заказы

type CreateOrderJSONRequest struct {
	ResumeID string `json:"resumeId" validate:"required,max=64"`
}

type PaymentJSONResponse struct {
	OutTradeNo string `json:"outTradeNo"`
	CodeURL    string `json:"codeUrl"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status"`
}

func paymentResponse(payment service.Payment) PaymentJSONResponse {
	return PaymentJSONResponse{
		OutTradeNo: payment.Order.MerchantRef,
		CodeURL:    payment.CodeURL,
		Amount:     payment.Order.Data.Amount,
		Status:     string(payment.Order.Data.Status),
	}
}

func (h *handler) PostCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderJSONRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	payment, err := h.service.CreateOrder(r.Context(), auth.UserCode(r.Context()), req.ResumeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, paymentResponse(payment))
}

type CreateShareOrderJSONRequest struct {
	ShareToken  string `json:"shareToken" validate:"required,max=64"`
	PaymentType string `json:"paymentType" validate:"required,oneof=owner viewer"`
}

func (h *handler) PostCreateShareOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateShareOrderJSONRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	payment, err := h.service.CreateShareOrder(r.Context(), req.ShareToken, req.PaymentType, auth.UserCode(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, paymentResponse(payment))
}

type OrderJSONResponse struct {
	OutTradeNo    string     `json:"outTradeNo"`
	Status        string     `json:"status"`
	Amount        int64      `json:"amount"`
	Kind          string     `json:"kind"`
	ResumeID      string     `json:"resumeId"`
	TransactionID string     `json:"transactionId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
}

func orderResponse(o model.Order) OrderJSONResponse {
	resp := OrderJSONResponse{
		OutTradeNo:    o.MerchantRef,
		Status:        string(o.Data.Status),
		Amount:        o.Data.Amount,
		Kind:          string(o.Data.Kind),
		ResumeID:      o.Data.ResourceID,
		TransactionID: o.Data.TransactionID,
		CreatedAt:     o.Data.CreatedAt,
	}
	if !o.Data.ConfirmedAt.IsZero() {
		paidAt := o.Data.ConfirmedAt
		resp.PaidAt = &paidAt
	}
	return resp
}

func (h *handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("outTradeNo")

	o, err := h.service.OrderStatus(r.Context(), ref, auth.UserCode(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orderResponse(o))
}

type CancelOrderJSONRequest struct {
	OutTradeNo string `json:"outTradeNo" validate:"required,max=32"`
}

func (h *handler) PostCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderJSONRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.service.CancelOrder(r.Context(), req.OutTradeNo, auth.UserCode(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orderResponse(o))
}

// Уведомление платежной системы. Тело не попадает в журнал.
func (h *handler) PostNotify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, webhook.Ack{Code: webhook.AckFail, Message: http.StatusText(http.StatusBadRequest)})
		return
	}
	ack, status := h.service.HandleNotification(r.Context(), body)
	h.writeJSON(w, status, ack)
}

// Скачивания

type DownloadLimitJSONResponse struct {
	CanDownload        bool   `json:"canDownload"`
	RemainingDownloads int    `json:"remainingDownloads"`
	OrderID            string `json:"orderId,omitempty"`
}

func (h *handler) GetDownloadLimit(w http.ResponseWriter, r *http.Request) {
	limit, err := h.service.CheckDownloadLimit(r.Context(), auth.UserCode(r.Context()), r.URL.Query().Get("resumeId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DownloadLimitJSONResponse{
		CanDownload:        limit.CanDownload,
		RemainingDownloads: limit.RemainingDownloads,
		OrderID:            limit.OrderID,
	})
}

type RecordDownloadJSONRequest struct {
	ResumeID string `json:"resumeId" validate:"required,max=64"`
	OrderID  string `json:"orderId" validate:"omitempty,max=64"`
}

type DownloadJSONResponse struct {
	ID        string    `json:"id"`
	ResumeID  string    `json:"resumeId"`
	OrderID   string    `json:"orderId,omitempty"`
	IsFree    bool      `json:"isFree"`
	Type      string    `json:"downloadType"`
	CreatedAt time.Time `json:"createdAt"`
}

func downloadResponse(d model.Download) DownloadJSONResponse {
	return DownloadJSONResponse{
		ID:        d.ID,
		ResumeID:  d.Data.ResourceID,
		OrderID:   d.Data.OrderID,
		IsFree:    d.Data.IsFree,
		Type:      string(d.Data.Kind),
		CreatedAt: d.Data.CreatedAt,
	}
}

func (h *handler) PostRecordDownload(w http.ResponseWriter, r *http.Request) {
	var req RecordDownloadJSONRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	download, err := h.service.RecordDownload(r.Context(), auth.UserCode(r.Context()), req.ResumeID, req.OrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, downloadResponse(download))
}

type DownloadJSONRequest struct {
	ResumeID string `json:"resumeId" validate:"required,max=64"`
}

type AuthorizedDownloadJSONResponse struct {
	RemainingDownloads int                  `json:"remainingDownloads"`
	Download           DownloadJSONResponse `json:"download"`
}

func (h *handler) PostDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadJSONRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	limit, download, err := h.service.Download(r.Context(), auth.UserCode(r.Context()), req.ResumeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AuthorizedDownloadJSONResponse{
		RemainingDownloads: limit.RemainingDownloads,
		Download:           downloadResponse(download),
	})
}

// Ссылки

type ShareAccessJSONResponse struct {
	HasAccess          bool   `json:"hasAccess"`
	AccessType         string `json:"accessType"`
	RemainingDownloads int    `json:"remainingDownloads"`
	OrderID            string `json:"orderId,omitempty"`
}

func shareAccessResponse(access model.ShareAccess) ShareAccessJSONResponse {
	return ShareAccessJSONResponse{
		HasAccess:          access.HasAccess,
		AccessType:         string(access.AccessType),
		RemainingDownloads: access.RemainingDownloads,
		OrderID:            access.OrderID,
	}
}

func (h *handler) GetShareAccess(w http.ResponseWriter, r *http.Request) {
	access, err := h.service.CheckShareAccess(r.Context(), r.URL.Query().Get("shareToken"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, shareAccessResponse(access))
}

type RecordShareDownloadJSONRequest struct {
	ShareToken string `json:"shareToken" validate:"required,max=64"`
}

type ShareDownloadJSONResponse struct {
	Access   ShareAccessJSONResponse `json:"access"`
	Download DownloadJSONResponse    `json:"download"`
}

func (h *handler) PostRecordShareDownload(w http.ResponseWriter, r *http.Request) {
	var req RecordShareDownloadJSONRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	access, download, err := h.service.RecordShareDownload(r.Context(), req.ShareToken, auth.UserCode(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ShareDownloadJSONResponse{
		Access:   shareAccessResponse(access),
		Download: downloadResponse(download),
	})
}

type CreateShareJSONRequest struct {
	ResumeID string `json:"resumeId" validate:"required,max=64"`
}

type ShareJSONResponse struct {
	ID         string    `json:"id"`
	ShareToken string    `json:"shareToken"`
	ResumeID   string    `json:"resumeId"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
}

func shareResponse(sh model.Share) ShareJSONResponse {
	return ShareJSONResponse{
		ID:         sh.ID,
		ShareToken: sh.Token,
		ResumeID:   sh.Data.ResourceID,
		IsActive:   sh.Data.IsActive,
		CreatedAt:  sh.Data.CreatedAt,
	}
}

func (h *handler) PostShare(w http.ResponseWriter, r *http.Request) {
	var req CreateShareJSONRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	sh, err := h.service.CreateShare(r.Context(), req.ResumeID, auth.UserCode(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, shareResponse(sh))
}

func (h *handler) GetShares(w http.ResponseWriter, r *http.Request) {
	shares, err := h.service.ListShares(r.Context(), chi.URLParam(r, "resumeId"), auth.UserCode(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sharesJSON := make([]ShareJSONResponse, 0, len(shares))
	for _, sh := range shares {
		sharesJSON = append(sharesJSON, shareResponse(sh))
	}
	h.writeJSON(w, http.StatusOK, sharesJSON)
}

func (h *handler) DeleteShare(w http.ResponseWriter, r *http.Request) {
	sh, err := h.service.DeactivateShare(r.Context(), chi.URLParam(r, "shareId"), auth.UserCode(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, shareResponse(sh))
}

// Публичный просмотр: владелец ссылки не раскрывается
type SharedJSONResponse struct {
	ResumeID  string    `json:"resumeId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *handler) GetShared(w http.ResponseWriter, r *http.Request) {
	sh, err := h.service.GetShared(r.Context(), chi.URLParam(r, "shareToken"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SharedJSONResponse{
		ResumeID:  sh.Data.ResourceID,
		CreatedAt: sh.Data.CreatedAt,
	})
}
