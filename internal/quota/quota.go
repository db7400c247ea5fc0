package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/lock"
	"github.com/iurnickita/resumepay/internal/model"
	"github.com/iurnickita/resumepay/internal/store"
)

var ErrNoAccess = errors.New("no download access")

// Минимальное число попыток выбрать заказ заново,
// если последний слот занял параллельный запрос
const minResolveAttempts = 3

type Config struct {
	Limit         int // скачиваний на один оплаченный заказ
	FreeDownloads int // бесплатных скачиваний на пользователя по умолчанию
	Retries       int
}

type Quota interface {
	// Check не расходует квоту. Отсутствие доступа - CanDownload == false, не ошибка
	Check(ctx context.Context, subject string, resource string) (model.DownloadLimit, error)
	// Record записывает скачивание: бесплатное при пустом orderID, иначе по заказу
	Record(ctx context.Context, subject string, resource string, orderID string) (model.Download, error)
	// Download - проверка и запись одной операцией
	Download(ctx context.Context, subject string, resource string) (model.DownloadLimit, model.Download, error)
	// Consume атомарно проверяет лимит заказа и добавляет скачивание
	Consume(ctx context.Context, download model.Download, limit int) (int, error)
	Used(ctx context.Context, orderID string) (int, error)
	Allowance(ctx context.Context, subject string) (int, error)
	SetAllowance(ctx context.Context, subject string, allowance int) error
	Limit() int
}

type quota struct {
	cfg    Config
	store  store.Store
	locker lock.Locker
	zaplog *zap.Logger
}

func NewQuota(cfg Config, st store.Store, locker lock.Locker, zaplog *zap.Logger) Quota {
	return &quota{
		cfg:    cfg,
		store:  st,
		locker: locker,
		zaplog: zaplog,
	}
}

func (quota *quota) Limit() int {
	return quota.cfg.Limit
}

func (quota *quota) retry(ctx context.Context, op func() error) error {
	return store.Retry(ctx, quota.cfg.Retries, op)
}

func (quota *quota) Allowance(ctx context.Context, subject string) (int, error) {
	var allowance int
	err := quota.retry(ctx, func() error {
		var err error
		allowance, err = quota.store.AllowanceGet(ctx, subject)
		return err
	})
	switch {
	case err == nil:
		return allowance, nil
	case errors.Is(err, store.ErrNoRows):
		return quota.cfg.FreeDownloads, nil
	default:
		return 0, err
	}
}

func (quota *quota) SetAllowance(ctx context.Context, subject string, allowance int) error {
	if subject == "" || allowance < 0 {
		return fmt.Errorf("invalid allowance %d for subject %q", allowance, subject)
	}
	return quota.retry(ctx, func() error {
		return quota.store.AllowancePut(ctx, subject, allowance)
	})
}

func (quota *quota) Used(ctx context.Context, orderID string) (int, error) {
	var count int
	err := quota.retry(ctx, func() error {
		var err error
		count, err = quota.store.DownloadCount(ctx, orderID)
		return err
	})
	return count, err
}

func (quota *quota) Check(ctx context.Context, subject string, resource string) (model.DownloadLimit, error) {
	if subject == "" {
		return model.DownloadLimit{}, nil
	}

	// Бесплатные скачивания считаются по пользователю, без учета документа
	allowance, err := quota.Allowance(ctx, subject)
	if err != nil {
		return model.DownloadLimit{}, err
	}
	if allowance > 0 {
		var used int
		err = quota.retry(ctx, func() error {
			var err error
			used, err = quota.store.DownloadCountFree(ctx, subject)
			return err
		})
		if err != nil {
			return model.DownloadLimit{}, err
		}
		if used < allowance {
			return model.DownloadLimit{
				CanDownload:        true,
				RemainingDownloads: allowance - used,
			}, nil
		}
	}

	var orders []model.Order
	err = quota.retry(ctx, func() error {
		var err error
		orders, err = quota.store.OrderListPaid(ctx, subject, resource)
		return err
	})
	if err != nil {
		return model.DownloadLimit{}, err
	}

	// Новые заказы первыми
	for _, order := range orders {
		used, err := quota.Used(ctx, order.ID)
		if err != nil {
			return model.DownloadLimit{}, err
		}
		if used < quota.cfg.Limit {
			return model.DownloadLimit{
				CanDownload:        true,
				RemainingDownloads: quota.cfg.Limit - used,
				OrderID:            order.ID,
			}, nil
		}
	}

	quota.zaplog.Debug("download denied",
		zap.String("subject", subject),
		zap.String("resource", resource))
	return model.DownloadLimit{}, nil
}

func (quota *quota) Record(ctx context.Context, subject string, resource string, orderID string) (model.Download, error) {
	if subject == "" || resource == "" {
		return model.Download{}, ErrNoAccess
	}

	download := model.Download{
		ID: uuid.NewString(),
		Data: model.DownloadData{
			OrderID:    orderID,
			SubjectID:  subject,
			ResourceID: resource,
			CreatedAt:  time.Now().UTC(),
		},
	}

	if orderID == "" {
		download.Data.IsFree = true
		download.Data.Kind = model.DownloadKindFree
		return download, quota.recordFree(ctx, download)
	}

	// Заказ должен принадлежать пользователю и относиться к этому документу
	if _, err := uuid.Parse(orderID); err != nil {
		return model.Download{}, ErrNoAccess
	}
	var order model.Order
	err := quota.retry(ctx, func() error {
		var err error
		order, err = quota.store.OrderGetByID(ctx, orderID)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Download{}, ErrNoAccess
		}
		return model.Download{}, err
	}
	if order.Data.SubjectID != subject ||
		order.Data.ResourceID != resource ||
		order.Data.Kind != model.OrderKindDirect {
		return model.Download{}, ErrNoAccess
	}

	download.Data.Kind = model.DownloadKindOwnerPaid
	if _, err = quota.Consume(ctx, download, quota.cfg.Limit); err != nil {
		return model.Download{}, err
	}
	return download, nil
}

func (quota *quota) recordFree(ctx context.Context, download model.Download) error {
	subject := download.Data.SubjectID
	allowance, err := quota.Allowance(ctx, subject)
	if err != nil {
		return err
	}
	if allowance == 0 {
		return ErrNoAccess
	}

	unlock, err := quota.locker.Lock(ctx, "free:"+subject)
	if err != nil {
		return err
	}
	defer unlock()

	err = quota.retry(ctx, func() error {
		_, err := quota.store.DownloadPostFree(ctx, download, allowance)
		return err
	})
	if errors.Is(err, store.ErrLimitReached) {
		return ErrNoAccess
	}
	return err
}

func (quota *quota) Consume(ctx context.Context, download model.Download, limit int) (int, error) {
	orderID := download.Data.OrderID
	unlock, err := quota.locker.Lock(ctx, "download:"+orderID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var count int
	err = quota.retry(ctx, func() error {
		var err error
		count, err = quota.store.DownloadPost(ctx, download, limit)
		return err
	})
	switch {
	case err == nil:
		quota.zaplog.Info("download recorded",
			zap.String("order", orderID),
			zap.String("kind", string(download.Data.Kind)),
			zap.Int("used", count),
			zap.Int("limit", limit))
		return count, nil
	case errors.Is(err, store.ErrLimitReached),
		errors.Is(err, store.ErrStatusChanged),
		errors.Is(err, store.ErrShareInactive),
		errors.Is(err, store.ErrNoRows):
		quota.zaplog.Debug("download refused",
			zap.String("order", orderID),
			zap.Error(err))
		return count, ErrNoAccess
	default:
		return 0, err
	}
}

func (quota *quota) Download(ctx context.Context, subject string, resource string) (model.DownloadLimit, model.Download, error) {
	attempts := quota.cfg.Retries + 1
	if attempts < minResolveAttempts {
		attempts = minResolveAttempts
	}

	for attempt := 0; attempt < attempts; attempt++ {
		limit, err := quota.Check(ctx, subject, resource)
		if err != nil {
			return model.DownloadLimit{}, model.Download{}, err
		}
		if !limit.CanDownload {
			return limit, model.Download{}, ErrNoAccess
		}

		download, err := quota.Record(ctx, subject, resource, limit.OrderID)
		if errors.Is(err, ErrNoAccess) {
			// слот занят параллельным запросом: выбираем заново
			continue
		}
		if err != nil {
			return model.DownloadLimit{}, model.Download{}, err
		}
		limit.RemainingDownloads--
		return limit, download, nil
	}
	return model.DownloadLimit{}, model.Download{}, ErrNoAccess
}
