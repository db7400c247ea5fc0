// Ссылки на резюме и доступ к скачиванию по ссылке
package share

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/model"
	"github.com/iurnickita/resumepay/internal/quota"
	"github.com/iurnickita/resumepay/internal/store"
)

var ErrShareNotFound = errors.New("share not found")

// Заказ посетителя дает одно скачивание
const viewerLimit = 1

const resolveAttempts = 3

type Shares interface {
	Create(ctx context.Context, resource string, owner string) (model.Share, error)
	List(ctx context.Context, resource string, owner string) ([]model.Share, error)
	Deactivate(ctx context.Context, shareID string, owner string) (model.Share, error)
	// Get возвращает только активную ссылку
	Get(ctx context.Context, token string) (model.Share, error)
	Access(ctx context.Context, token string) (model.ShareAccess, error)
	RecordDownload(ctx context.Context, token string, downloader string) (model.ShareAccess, model.Download, error)
}

type shares struct {
	store   store.Store
	quota   quota.Quota
	retries int
	zaplog  *zap.Logger
}

func NewShares(st store.Store, q quota.Quota, retries int, zaplog *zap.Logger) Shares {
	return &shares{
		store:   st,
		quota:   q,
		retries: retries,
		zaplog:  zaplog,
	}
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (shares *shares) Create(ctx context.Context, resource string, owner string) (model.Share, error) {
	if resource == "" || owner == "" {
		return model.Share{}, errors.New("resource and owner are required")
	}

	now := time.Now().UTC()
	share := model.Share{
		ID:    uuid.NewString(),
		Token: newToken(),
		Data: model.ShareData{
			ResourceID: resource,
			OwnerID:    owner,
			IsActive:   true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
	err := store.Retry(ctx, shares.retries, func() error {
		return shares.store.SharePost(ctx, share)
	})
	if err != nil {
		return model.Share{}, err
	}

	shares.zaplog.Info("share created",
		zap.String("share", share.ID),
		zap.String("resource", resource),
		zap.String("owner", owner))
	return share, nil
}

func (shares *shares) List(ctx context.Context, resource string, owner string) ([]model.Share, error) {
	var list []model.Share
	err := store.Retry(ctx, shares.retries, func() error {
		var err error
		list, err = shares.store.ShareList(ctx, resource, owner)
		return err
	})
	return list, err
}

func (shares *shares) Deactivate(ctx context.Context, shareID string, owner string) (model.Share, error) {
	if _, err := uuid.Parse(shareID); err != nil {
		return model.Share{}, ErrShareNotFound
	}

	var share model.Share
	err := store.Retry(ctx, shares.retries, func() error {
		var err error
		share, err = shares.store.ShareDeactivate(ctx, shareID, owner)
		return err
	})
	if err != nil {
		// чужая ссылка неотличима от несуществующей
		if errors.Is(err, store.ErrNoRows) {
			return model.Share{}, ErrShareNotFound
		}
		return model.Share{}, err
	}

	shares.zaplog.Info("share deactivated",
		zap.String("share", share.ID),
		zap.String("owner", owner))
	return share, nil
}

func (shares *shares) Get(ctx context.Context, token string) (model.Share, error) {
	if token == "" {
		return model.Share{}, ErrShareNotFound
	}

	var share model.Share
	err := store.Retry(ctx, shares.retries, func() error {
		var err error
		share, err = shares.store.ShareGet(ctx, token)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Share{}, ErrShareNotFound
		}
		return model.Share{}, err
	}
	if !share.Data.IsActive {
		return model.Share{}, ErrShareNotFound
	}
	return share, nil
}

func (shares *shares) Access(ctx context.Context, token string) (model.ShareAccess, error) {
	share, err := shares.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrShareNotFound) {
			return noAccess(), nil
		}
		return model.ShareAccess{}, err
	}
	return shares.resolve(ctx, share)
}

func noAccess() model.ShareAccess {
	return model.ShareAccess{AccessType: model.AccessTypeNone}
}

// resolve: если у ссылки есть оплаченный заказ владельца, доступ определяется только им.
// Иначе проверяются заказы посетителей (одно скачивание на заказ).
func (shares *shares) resolve(ctx context.Context, share model.Share) (model.ShareAccess, error) {
	var orders []model.Order
	err := store.Retry(ctx, shares.retries, func() error {
		var err error
		orders, err = shares.store.OrderListPaidByShare(ctx, share.ID)
		return err
	})
	if err != nil {
		return model.ShareAccess{}, err
	}

	tiers := []struct {
		kind   model.OrderKind
		access model.AccessType
		limit  int
	}{
		{kind: model.OrderKindOwnerShare, access: model.AccessTypeOwnerPaid, limit: shares.quota.Limit()},
		{kind: model.OrderKindViewerShare, access: model.AccessTypeViewerPaid, limit: viewerLimit},
	}
	for _, tier := range tiers {
		found := false
		for _, order := range orders {
			if order.Data.Kind != tier.kind {
				continue
			}
			found = true
			used, err := shares.quota.Used(ctx, order.ID)
			if err != nil {
				return model.ShareAccess{}, err
			}
			if used < tier.limit {
				return model.ShareAccess{
					HasAccess:          true,
					AccessType:         tier.access,
					RemainingDownloads: tier.limit - used,
					OrderID:            order.ID,
				}, nil
			}
		}
		// заказы владельца исчерпаны: заказы посетителей не используются
		if found && tier.kind == model.OrderKindOwnerShare {
			return model.ShareAccess{AccessType: model.AccessTypeOwnerPaid}, nil
		}
	}
	return noAccess(), nil
}

func (shares *shares) RecordDownload(ctx context.Context, token string, downloader string) (model.ShareAccess, model.Download, error) {
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		// Решение проверки не кэшируется: ссылку могли отключить
		share, err := shares.Get(ctx, token)
		if err != nil {
			if errors.Is(err, ErrShareNotFound) {
				return noAccess(), model.Download{}, quota.ErrNoAccess
			}
			return model.ShareAccess{}, model.Download{}, err
		}
		access, err := shares.resolve(ctx, share)
		if err != nil {
			return model.ShareAccess{}, model.Download{}, err
		}
		if !access.HasAccess {
			return access, model.Download{}, quota.ErrNoAccess
		}

		kind := model.DownloadKindSharePaidByOwner
		limit := shares.quota.Limit()
		if access.AccessType == model.AccessTypeViewerPaid {
			kind = model.DownloadKindSharePaidByViewer
			limit = viewerLimit
		}
		download := model.Download{
			ID: uuid.NewString(),
			Data: model.DownloadData{
				OrderID:    access.OrderID,
				SubjectID:  downloader,
				ResourceID: share.Data.ResourceID,
				ShareID:    share.ID,
				Kind:       kind,
				CreatedAt:  time.Now().UTC(),
			},
		}

		used, err := shares.quota.Consume(ctx, download, limit)
		if errors.Is(err, quota.ErrNoAccess) {
			// слот занят или ссылка отключена между проверкой и записью
			continue
		}
		if err != nil {
			return model.ShareAccess{}, model.Download{}, err
		}
		access.RemainingDownloads = limit - used
		return access, download, nil
	}
	return noAccess(), model.Download{}, quota.ErrNoAccess
}
