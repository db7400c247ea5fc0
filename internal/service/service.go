package service

import (
	"context"
	"errors"

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

type Service interface {
	CreateOrder(ctx context.Context, subject string, resource string) (Payment, error)
	CreateShareOrder(ctx context.Context, shareToken string, paymentType string, subject string) (Payment, error)
	OrderStatus(ctx context.Context, merchantRef string, subject string) (model.Order, error)
	CancelOrder(ctx context.Context, merchantRef string, subject string) (model.Order, error)

	CheckDownloadLimit(ctx context.Context, subject string, resource string) (model.DownloadLimit, error)
	RecordDownload(ctx context.Context, subject string, resource string, orderID string) (model.Download, error)
	Download(ctx context.Context, subject string, resource string) (model.DownloadLimit, model.Download, error)

	CreateShare(ctx context.Context, resource string, owner string) (model.Share, error)
	ListShares(ctx context.Context, resource string, owner string) ([]model.Share, error)
	DeactivateShare(ctx context.Context, shareID string, owner string) (model.Share, error)
	GetShared(ctx context.Context, shareToken string) (model.Share, error)
	CheckShareAccess(ctx context.Context, shareToken string) (model.ShareAccess, error)
	RecordShareDownload(ctx context.Context, shareToken string, downloader string) (model.ShareAccess, model.Download, error)

	HandleNotification(ctx context.Context, body []byte) (webhook.Ack, int)

	Reconcile(ctx context.Context) (int, error)
	Start() error
	Stop()
}

const (
	PaymentTypeOwner  = "owner"
	PaymentTypeViewer = "viewer"
)

var (
	ErrInsufficientData = errors.New("insufficient data")
)

// Payment - созданный заказ и ссылка для QR-кода
type Payment struct {
	Order   model.Order
	CodeURL string
}

var descriptions = map[model.OrderKind]string{
	model.OrderKindDirect:      "Resume PDF download",
	model.OrderKindOwnerShare:  "Resume share: downloads for visitors",
	model.OrderKindViewerShare: "Resume share: single download",
}

type service struct {
	cfg      config.Config
	store    store.Store
	pay      payclient.Client
	orders   order.Machine
	quota    quota.Quota
	shares   share.Shares
	webhook  webhook.Ingestor
	schedule *scheduler
	zaplog   *zap.Logger
}

func NewService(cfg config.Config, st store.Store, locker lock.Locker, pay payclient.Client, publisher notify.Publisher, retries int, zaplog *zap.Logger) (Service, error) {
	orders := order.NewMachine(st, locker, pay, publisher,
		order.Prices{Base: cfg.PriceBase, Viewer: cfg.PriceViewer},
		retries, zaplog.Named("order"))
	q := quota.NewQuota(quota.Config{
		Limit:         cfg.DownloadLimit,
		FreeDownloads: cfg.FreeDownloads,
		Retries:       retries,
	}, st, locker, zaplog.Named("quota"))

	service := &service{
		cfg:     cfg,
		store:   st,
		pay:     pay,
		orders:  orders,
		quota:   q,
		shares:  share.NewShares(st, q, retries, zaplog.Named("share")),
		webhook: webhook.NewIngestor(st, orders, pay, cfg.WebhookMaxAge, retries, zaplog.Named("webhook")),
		zaplog:  zaplog,
	}

	schedule, err := newScheduler(cfg.ReconcileSchedule, service, zaplog.Named("reconcile"))
	if err != nil {
		return nil, err
	}
	service.schedule = schedule
	return service, nil
}

func (service *service) CreateOrder(ctx context.Context, subject string, resource string) (Payment, error) {
	if subject == "" || resource == "" {
		return Payment{}, ErrInsufficientData
	}
	return service.create(ctx, order.CreateRequest{
		SubjectID:  subject,
		ResourceID: resource,
		Kind:       model.OrderKindDirect,
	})
}

// CreateShareOrder: заказ владельца записывается на владельца ссылки,
// заказ посетителя - на посетителя (может быть анонимным)
func (service *service) CreateShareOrder(ctx context.Context, shareToken string, paymentType string, subject string) (Payment, error) {
	var kind model.OrderKind
	switch paymentType {
	case PaymentTypeOwner:
		kind = model.OrderKindOwnerShare
	case PaymentTypeViewer:
		kind = model.OrderKindViewerShare
	default:
		return Payment{}, ErrInsufficientData
	}

	sh, err := service.shares.Get(ctx, shareToken)
	if err != nil {
		return Payment{}, err
	}
	if kind == model.OrderKindOwnerShare {
		subject = sh.Data.OwnerID
	}
	return service.create(ctx, order.CreateRequest{
		SubjectID:  subject,
		ResourceID: sh.Data.ResourceID,
		Kind:       kind,
		ShareID:    sh.ID,
	})
}

func (service *service) create(ctx context.Context, req order.CreateRequest) (Payment, error) {
	req.Description = descriptions[req.Kind]
	created, codeURL, err := service.orders.Create(ctx, req)
	if err != nil {
		return Payment{}, err
	}
	return Payment{Order: created, CodeURL: codeURL}, nil
}

// OrderStatus: заказ на личное скачивание виден только покупателю,
// заказы по ссылке - любому, кто знает номер
func (service *service) OrderStatus(ctx context.Context, merchantRef string, subject string) (model.Order, error) {
	if merchantRef == "" {
		return model.Order{}, ErrInsufficientData
	}
	o, err := service.orders.Status(ctx, merchantRef)
	if err != nil {
		return model.Order{}, err
	}
	if o.Data.Kind == model.OrderKindDirect && o.Data.SubjectID != subject {
		return model.Order{}, order.ErrOrderNotFound
	}
	return o, nil
}

func (service *service) CancelOrder(ctx context.Context, merchantRef string, subject string) (model.Order, error) {
	if merchantRef == "" || subject == "" {
		return model.Order{}, ErrInsufficientData
	}
	o, err := service.orders.Status(ctx, merchantRef)
	if err != nil {
		return model.Order{}, err
	}
	if o.Data.SubjectID != subject {
		return model.Order{}, order.ErrOrderNotFound
	}
	return service.orders.Cancel(ctx, merchantRef)
}

func (service *service) CheckDownloadLimit(ctx context.Context, subject string, resource string) (model.DownloadLimit, error) {
	if subject == "" || resource == "" {
		return model.DownloadLimit{}, ErrInsufficientData
	}
	return service.quota.Check(ctx, subject, resource)
}

func (service *service) RecordDownload(ctx context.Context, subject string, resource string, orderID string) (model.Download, error) {
	if subject == "" || resource == "" {
		return model.Download{}, ErrInsufficientData
	}
	return service.quota.Record(ctx, subject, resource, orderID)
}

func (service *service) Download(ctx context.Context, subject string, resource string) (model.DownloadLimit, model.Download, error) {
	if subject == "" || resource == "" {
		return model.DownloadLimit{}, model.Download{}, ErrInsufficientData
	}
	return service.quota.Download(ctx, subject, resource)
}

func (service *service) CreateShare(ctx context.Context, resource string, owner string) (model.Share, error) {
	if resource == "" || owner == "" {
		return model.Share{}, ErrInsufficientData
	}
	return service.shares.Create(ctx, resource, owner)
}

func (service *service) ListShares(ctx context.Context, resource string, owner string) ([]model.Share, error) {
	if resource == "" || owner == "" {
		return nil, ErrInsufficientData
	}
	return service.shares.List(ctx, resource, owner)
}

func (service *service) DeactivateShare(ctx context.Context, shareID string, owner string) (model.Share, error) {
	if shareID == "" || owner == "" {
		return model.Share{}, ErrInsufficientData
	}
	return service.shares.Deactivate(ctx, shareID, owner)
}

func (service *service) GetShared(ctx context.Context, shareToken string) (model.Share, error) {
	return service.shares.Get(ctx, shareToken)
}

func (service *service) CheckShareAccess(ctx context.Context, shareToken string) (model.ShareAccess, error) {
	if shareToken == "" {
		return model.ShareAccess{}, ErrInsufficientData
	}
	return service.shares.Access(ctx, shareToken)
}

func (service *service) RecordShareDownload(ctx context.Context, shareToken string, downloader string) (model.ShareAccess, model.Download, error) {
	if shareToken == "" {
		return model.ShareAccess{}, model.Download{}, ErrInsufficientData
	}
	return service.shares.RecordDownload(ctx, shareToken, downloader)
}

func (service *service) HandleNotification(ctx context.Context, body []byte) (webhook.Ack, int) {
	return service.webhook.Handle(ctx, body)
}

func (service *service) Start() error {
	return service.schedule.start()
}

func (service *service) Stop() {
	service.schedule.stop()
}
