// Переходы статуса заказа: pending -> paid, pending -> cancelled, paid -> refunded
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/lock"
	"github.com/iurnickita/resumepay/internal/model"
	"github.com/iurnickita/resumepay/internal/notify"
	"github.com/iurnickita/resumepay/internal/payclient"
	"github.com/iurnickita/resumepay/internal/store"
)

var (
	ErrInvalidTransition        = errors.New("invalid order status transition")
	ErrOrderNotFound            = errors.New("order not found")
	ErrConflictingConfirmation  = errors.New("order confirmed with a different transaction id")
	ErrProviderConfigIncomplete = errors.New("payment provider is not configured")
	ErrProviderUnavailable      = errors.New("payment provider request failed")
)

const refAttempts = 3

type CreateRequest struct {
	SubjectID   string
	ResourceID  string
	Kind        model.OrderKind
	ShareID     string
	Description string
}

type Prices struct {
	Base   int64
	Viewer int64
}

func (prices Prices) Amount(kind model.OrderKind) (int64, error) {
	switch kind {
	case model.OrderKindDirect, model.OrderKindOwnerShare:
		return prices.Base, nil
	case model.OrderKindViewerShare:
		return prices.Viewer, nil
	default:
		return 0, fmt.Errorf("unknown order kind %q", kind)
	}
}

type Machine interface {
	// Create сохраняет заказ pending и запрашивает ссылку на оплату.
	// При ошибке платежной системы заказ остается сохраненным и возвращается
	// вместе с ErrProviderUnavailable
	Create(ctx context.Context, req CreateRequest) (model.Order, string, error)
	Confirm(ctx context.Context, merchantRef string, transactionID string) (model.Order, error)
	Cancel(ctx context.Context, merchantRef string) (model.Order, error)
	Refund(ctx context.Context, merchantRef string, transactionID string) (model.Order, error)
	Status(ctx context.Context, merchantRef string) (model.Order, error)
}

type machine struct {
	store     store.Store
	locker    lock.Locker
	pay       payclient.Client
	publisher notify.Publisher
	prices    Prices
	retries   int
	now       func() time.Time
	zaplog    *zap.Logger
}

func NewMachine(st store.Store, locker lock.Locker, pay payclient.Client, publisher notify.Publisher, prices Prices, retries int, zaplog *zap.Logger) Machine {
	return &machine{
		store:     st,
		locker:    locker,
		pay:       pay,
		publisher: publisher,
		prices:    prices,
		retries:   retries,
		now:       func() time.Time { return time.Now().UTC() },
		zaplog:    zaplog,
	}
}

func (machine *machine) Create(ctx context.Context, req CreateRequest) (model.Order, string, error) {
	if !machine.pay.Configured() {
		machine.zaplog.Error("order creation refused: payment provider configuration is incomplete")
		return model.Order{}, "", ErrProviderConfigIncomplete
	}
	amount, err := machine.prices.Amount(req.Kind)
	if err != nil {
		return model.Order{}, "", err
	}

	var order model.Order
	saved := false
	for attempt := 0; attempt < refAttempts && !saved; attempt++ {
		now := machine.now()
		ref, err := NewMerchantRef(req.Kind, now)
		if err != nil {
			return model.Order{}, "", err
		}
		order = model.Order{
			ID:          uuid.NewString(),
			MerchantRef: ref,
			Data: model.OrderData{
				Amount:     amount,
				Status:     model.OrderStatusPending,
				Kind:       req.Kind,
				ResourceID: req.ResourceID,
				SubjectID:  req.SubjectID,
				ShareID:    req.ShareID,
				CreatedAt:  now,
				UpdatedAt:  now,
			},
		}
		err = store.Retry(ctx, machine.retries, func() error {
			return machine.store.OrderPost(ctx, order)
		})
		switch {
		case err == nil:
			saved = true
		case errors.Is(err, store.ErrAlreadyExists):
			// совпадение номера: пробуем новый
		default:
			return model.Order{}, "", fmt.Errorf("save order: %w", err)
		}
	}
	if !saved {
		return model.Order{}, "", fmt.Errorf("save order: %w", store.ErrAlreadyExists)
	}

	codeURL, err := machine.pay.CreateTransaction(ctx, payclient.Transaction{
		MerchantRef: order.MerchantRef,
		Description: req.Description,
		Amount:      order.Data.Amount,
		Attach:      string(order.Data.Kind),
	})
	if err != nil {
		machine.zaplog.Warn("payment transaction request failed",
			zap.String("out_trade_no", order.MerchantRef),
			zap.Error(err))
		if errors.Is(err, payclient.ErrConfigIncomplete) {
			return order, "", ErrProviderConfigIncomplete
		}
		return order, "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	machine.zaplog.Info("order created",
		zap.String("out_trade_no", order.MerchantRef),
		zap.String("kind", string(order.Data.Kind)),
		zap.Int64("amount", order.Data.Amount))
	return order, codeURL, nil
}

func (machine *machine) Confirm(ctx context.Context, merchantRef string, transactionID string) (model.Order, error) {
	if transactionID == "" {
		return model.Order{}, fmt.Errorf("%w: empty transaction id", ErrInvalidTransition)
	}
	return machine.apply(ctx, merchantRef, transactionID, func(order model.Order) (model.OrderStatus, error) {
		switch order.Data.Status {
		case model.OrderStatusPending:
			return model.OrderStatusPaid, nil
		case model.OrderStatusPaid:
			if order.Data.TransactionID == transactionID {
				return model.OrderStatusPaid, nil
			}
			machine.zaplog.Error("conflicting payment confirmation",
				zap.String("out_trade_no", merchantRef),
				zap.String("transaction_id", order.Data.TransactionID),
				zap.String("conflicting_transaction_id", transactionID),
				zap.String("reconcile", "manual"))
			return "", ErrConflictingConfirmation
		default:
			return "", ErrInvalidTransition
		}
	})
}

func (machine *machine) Cancel(ctx context.Context, merchantRef string) (model.Order, error) {
	order, err := machine.apply(ctx, merchantRef, "", func(order model.Order) (model.OrderStatus, error) {
		switch order.Data.Status {
		case model.OrderStatusPending, model.OrderStatusCancelled:
			return model.OrderStatusCancelled, nil
		default:
			return "", ErrInvalidTransition
		}
	})
	if err != nil {
		return order, err
	}

	// Закрытие транзакции у платежной системы не обязательно для отмены
	if machine.pay.Configured() {
		if err := machine.pay.CloseTransaction(ctx, merchantRef); err != nil {
			machine.zaplog.Debug("close provider transaction",
				zap.String("out_trade_no", merchantRef),
				zap.Error(err))
		}
	}
	return order, nil
}

func (machine *machine) Refund(ctx context.Context, merchantRef string, transactionID string) (model.Order, error) {
	return machine.apply(ctx, merchantRef, "", func(order model.Order) (model.OrderStatus, error) {
		switch order.Data.Status {
		case model.OrderStatusPaid, model.OrderStatusRefunded:
			if transactionID != "" && order.Data.TransactionID != transactionID {
				machine.zaplog.Error("refund for a different transaction",
					zap.String("out_trade_no", merchantRef),
					zap.String("transaction_id", order.Data.TransactionID),
					zap.String("conflicting_transaction_id", transactionID),
					zap.String("reconcile", "manual"))
				return "", ErrConflictingConfirmation
			}
			return model.OrderStatusRefunded, nil
		default:
			return "", ErrInvalidTransition
		}
	})
}

func (machine *machine) Status(ctx context.Context, merchantRef string) (model.Order, error) {
	if !ValidMerchantRef(merchantRef) {
		return model.Order{}, ErrOrderNotFound
	}
	return machine.get(ctx, merchantRef)
}

func (machine *machine) get(ctx context.Context, merchantRef string) (model.Order, error) {
	var order model.Order
	err := store.Retry(ctx, machine.retries, func() error {
		var err error
		order, err = machine.store.OrderGet(ctx, merchantRef)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, ErrOrderNotFound
		}
		return model.Order{}, err
	}
	return order, nil
}

// apply выполняет переход под замком номера заказа. decide возвращает целевой
// статус; совпадение с текущим означает повтор уже примененного перехода
func (machine *machine) apply(ctx context.Context, merchantRef string, transactionID string, decide func(model.Order) (model.OrderStatus, error)) (model.Order, error) {
	if !ValidMerchantRef(merchantRef) {
		return model.Order{}, ErrOrderNotFound
	}

	unlock, err := machine.locker.Lock(ctx, "order:"+merchantRef)
	if err != nil {
		return model.Order{}, err
	}
	defer unlock()

	// Вторая попытка нужна, если статус сменил другой экземпляр сервиса
	for attempt := 0; ; attempt++ {
		order, err := machine.get(ctx, merchantRef)
		if err != nil {
			return model.Order{}, err
		}

		next, err := decide(order)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				machine.zaplog.Warn("invalid order transition rejected",
					zap.String("out_trade_no", merchantRef),
					zap.String("status", string(order.Data.Status)))
			}
			return order, err
		}
		if next == order.Data.Status {
			return order, nil
		}
		if !model.CanTransition(order.Data.Status, next) {
			return order, ErrInvalidTransition
		}

		var updated model.Order
		err = store.Retry(ctx, machine.retries, func() error {
			var err error
			updated, err = machine.store.OrderTransition(ctx, merchantRef, order.Data.Status, next, transactionID, machine.now())
			return err
		})
		if errors.Is(err, store.ErrStatusChanged) && attempt == 0 {
			continue
		}
		if err != nil {
			if errors.Is(err, store.ErrStatusChanged) {
				return model.Order{}, ErrInvalidTransition
			}
			return model.Order{}, fmt.Errorf("update order: %w", err)
		}

		machine.zaplog.Info("order status changed",
			zap.String("out_trade_no", merchantRef),
			zap.String("from", string(order.Data.Status)),
			zap.String("to", string(updated.Data.Status)))
		machine.publish(ctx, updated)
		return updated, nil
	}
}

// publish вызывается только после сохранения перехода
func (machine *machine) publish(ctx context.Context, order model.Order) {
	if machine.publisher == nil {
		return
	}
	err := machine.publisher.Publish(ctx, notify.StatusUpdate{
		MerchantRef:   order.MerchantRef,
		Status:        order.Data.Status,
		TransactionID: order.Data.TransactionID,
		Timestamp:     order.Data.UpdatedAt,
	})
	if err != nil {
		machine.zaplog.Warn("publish status update",
			zap.String("out_trade_no", order.MerchantRef),
			zap.Error(err))
	}
}
