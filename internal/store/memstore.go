package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/resumepay/internal/model"
)

// memStore хранит данные в памяти процесса. Используется в тестах
// и при запуске без базы данных. Один мьютекс на все хранилище:
// проверка лимита и запись скачивания атомарны.
type memStore struct {
	mu         sync.Mutex
	orders     map[string]model.Order // по merchant ref
	orderRefs  map[string]string      // id -> merchant ref
	downloads  []model.Download
	shares     map[string]model.Share // по id
	shareIDs   map[string]string      // token -> id
	allowances map[string]int
	events     map[string]memEvent
}

type memEvent struct {
	event     model.WebhookEvent
	processed bool
	err       string
}

func NewMemStore() Store {
	return &memStore{
		orders:     make(map[string]model.Order),
		orderRefs:  make(map[string]string),
		shares:     make(map[string]model.Share),
		shareIDs:   make(map[string]string),
		allowances: make(map[string]int),
		events:     make(map[string]memEvent),
	}
}

func (store *memStore) Close() error {
	return nil
}

func (store *memStore) OrderPost(ctx context.Context, order model.Order) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.orders[order.MerchantRef]; ok {
		return ErrAlreadyExists
	}
	if _, ok := store.orderRefs[order.ID]; ok {
		return ErrAlreadyExists
	}
	store.orders[order.MerchantRef] = order
	store.orderRefs[order.ID] = order.MerchantRef
	return nil
}

func (store *memStore) OrderGet(ctx context.Context, merchantRef string) (model.Order, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	order, ok := store.orders[merchantRef]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	return order, nil
}

func (store *memStore) OrderGetByID(ctx context.Context, id string) (model.Order, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	ref, ok := store.orderRefs[id]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	return store.orders[ref], nil
}

func (store *memStore) OrderTransition(ctx context.Context, merchantRef string, from, to model.OrderStatus, transactionID string, at time.Time) (model.Order, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	order, ok := store.orders[merchantRef]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	if order.Data.Status != from {
		return model.Order{}, ErrStatusChanged
	}
	order.Data.Status = to
	if transactionID != "" {
		order.Data.TransactionID = transactionID
	}
	if to == model.OrderStatusPaid {
		order.Data.ConfirmedAt = at
	}
	order.Data.UpdatedAt = at
	store.orders[merchantRef] = order
	return order, nil
}

func (store *memStore) listOrders(match func(model.Order) bool) []model.Order {
	var orders []model.Order
	for _, order := range store.orders {
		if match(order) {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Data.CreatedAt.After(orders[j].Data.CreatedAt)
	})
	return orders
}

func (store *memStore) OrderListPaid(ctx context.Context, subject string, resource string) ([]model.Order, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.listOrders(func(order model.Order) bool {
		return order.Data.SubjectID == subject &&
			order.Data.ResourceID == resource &&
			order.Data.Kind == model.OrderKindDirect &&
			order.Data.Status == model.OrderStatusPaid
	}), nil
}

func (store *memStore) OrderListPaidByShare(ctx context.Context, shareID string) ([]model.Order, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.listOrders(func(order model.Order) bool {
		return order.Data.ShareID == shareID &&
			order.Data.Status == model.OrderStatusPaid
	}), nil
}

func (store *memStore) OrderListPending(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	orders := store.listOrders(func(order model.Order) bool {
		return order.Data.Status == model.OrderStatusPending &&
			order.Data.CreatedAt.Before(createdBefore)
	})
	// самые старые первыми
	for i, j := 0, len(orders)-1; i < j; i, j = i+1, j-1 {
		orders[i], orders[j] = orders[j], orders[i]
	}
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (store *memStore) countLocked(match func(model.Download) bool) int {
	count := 0
	for _, download := range store.downloads {
		if match(download) {
			count++
		}
	}
	return count
}

func (store *memStore) DownloadPost(ctx context.Context, download model.Download, limit int) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ref, ok := store.orderRefs[download.Data.OrderID]
	if !ok {
		return 0, ErrNoRows
	}
	if store.orders[ref].Data.Status != model.OrderStatusPaid {
		return 0, ErrStatusChanged
	}
	if download.Data.ShareID != "" {
		share, ok := store.shares[download.Data.ShareID]
		if !ok || !share.Data.IsActive {
			return 0, ErrShareInactive
		}
	}

	count := store.countLocked(func(d model.Download) bool {
		return d.Data.OrderID == download.Data.OrderID
	})
	if count >= limit {
		return count, ErrLimitReached
	}
	store.downloads = append(store.downloads, download)
	return count + 1, nil
}

func (store *memStore) DownloadPostFree(ctx context.Context, download model.Download, allowance int) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := store.countLocked(func(d model.Download) bool {
		return d.Data.IsFree && d.Data.SubjectID == download.Data.SubjectID
	})
	if count >= allowance {
		return count, ErrLimitReached
	}
	store.downloads = append(store.downloads, download)
	return count + 1, nil
}

func (store *memStore) DownloadCount(ctx context.Context, orderID string) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.countLocked(func(d model.Download) bool {
		return d.Data.OrderID == orderID
	}), nil
}

func (store *memStore) DownloadCountFree(ctx context.Context, subject string) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.countLocked(func(d model.Download) bool {
		return d.Data.IsFree && d.Data.SubjectID == subject
	}), nil
}

func (store *memStore) AllowanceGet(ctx context.Context, subject string) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	allowance, ok := store.allowances[subject]
	if !ok {
		return 0, ErrNoRows
	}
	return allowance, nil
}

func (store *memStore) AllowancePut(ctx context.Context, subject string, allowance int) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.allowances[subject] = allowance
	return nil
}

func (store *memStore) SharePost(ctx context.Context, share model.Share) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.shareIDs[share.Token]; ok {
		return ErrAlreadyExists
	}
	if _, ok := store.shares[share.ID]; ok {
		return ErrAlreadyExists
	}
	store.shares[share.ID] = share
	store.shareIDs[share.Token] = share.ID
	return nil
}

func (store *memStore) ShareGet(ctx context.Context, token string) (model.Share, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	id, ok := store.shareIDs[token]
	if !ok {
		return model.Share{}, ErrNoRows
	}
	return store.shares[id], nil
}

func (store *memStore) ShareGetByID(ctx context.Context, id string) (model.Share, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	share, ok := store.shares[id]
	if !ok {
		return model.Share{}, ErrNoRows
	}
	return share, nil
}

func (store *memStore) ShareList(ctx context.Context, resource string, owner string) ([]model.Share, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var shares []model.Share
	for _, share := range store.shares {
		if share.Data.ResourceID == resource && share.Data.OwnerID == owner && share.Data.IsActive {
			shares = append(shares, share)
		}
	}
	sort.Slice(shares, func(i, j int) bool {
		return shares[i].Data.CreatedAt.After(shares[j].Data.CreatedAt)
	})
	return shares, nil
}

func (store *memStore) ShareDeactivate(ctx context.Context, id string, owner string) (model.Share, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	share, ok := store.shares[id]
	if !ok || share.Data.OwnerID != owner {
		return model.Share{}, ErrNoRows
	}
	share.Data.IsActive = false
	share.Data.UpdatedAt = time.Now().UTC()
	store.shares[id] = share
	return share, nil
}

func (store *memStore) WebhookEventPost(ctx context.Context, event model.WebhookEvent) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	existing, ok := store.events[event.EventID]
	if !ok {
		store.events[event.EventID] = memEvent{event: event}
		return false, nil
	}
	return existing.processed && existing.err == "", nil
}

func (store *memStore) WebhookEventDone(ctx context.Context, eventID string, processingErr string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	existing, ok := store.events[eventID]
	if !ok {
		return ErrNoRows
	}
	existing.processed = true
	existing.err = processingErr
	store.events[eventID] = existing
	return nil
}
