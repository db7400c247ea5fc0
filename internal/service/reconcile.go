package service

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/model"
	"github.com/iurnickita/resumepay/internal/payclient"
)

// Заказы моложе этого возраста ждут уведомления
const reconcileMinAge = time.Minute

const reconcileTimeout = 50 * time.Second

// Reconcile сверяет зависшие заказы pending с платежной системой:
// потерянные уведомления и заказы, для которых транзакция не создалась
func (service *service) Reconcile(ctx context.Context) (int, error) {
	if !service.pay.Configured() {
		return 0, nil
	}

	now := time.Now().UTC()
	pending, err := service.store.OrderListPending(ctx, now.Add(-reconcileMinAge), service.cfg.ReconcileBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, o := range pending {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		ok, err := service.reconcileOrder(ctx, o, now)
		if err != nil {
			service.zaplog.Warn("reconcile order",
				zap.String("out_trade_no", o.MerchantRef),
				zap.Error(err))
			continue
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

func (service *service) reconcileOrder(ctx context.Context, o model.Order, now time.Time) (bool, error) {
	expired := now.Sub(o.Data.CreatedAt) > service.cfg.OrderPendingTTL

	result, err := service.pay.QueryTransaction(ctx, o.MerchantRef)
	if errors.Is(err, payclient.ErrNotFound) {
		// транзакция не создана у платежной системы
		_, err = service.orders.Cancel(ctx, o.MerchantRef)
		return err == nil, err
	}
	if err != nil {
		return false, err
	}

	switch result.TradeState {
	case payclient.TradeStateSuccess:
		_, err = service.orders.Confirm(ctx, o.MerchantRef, result.TransactionID)
	case payclient.TradeStateRefund:
		if _, err = service.orders.Confirm(ctx, o.MerchantRef, result.TransactionID); err == nil {
			_, err = service.orders.Refund(ctx, o.MerchantRef, result.TransactionID)
		}
	case payclient.TradeStateClosed, payclient.TradeStateRevoked, payclient.TradeStatePayError:
		_, err = service.orders.Cancel(ctx, o.MerchantRef)
	default:
		// NOTPAY, USERPAYING
		if !expired {
			return false, nil
		}
		_, err = service.orders.Cancel(ctx, o.MerchantRef)
	}
	if err != nil {
		return false, err
	}
	service.zaplog.Info("order reconciled",
		zap.String("out_trade_no", o.MerchantRef),
		zap.String("trade_state", result.TradeState))
	return true, nil
}

// cronLogger передает сообщения планировщика в zap
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

type scheduler struct {
	cron   *cron.Cron
	zaplog *zap.Logger
}

func newScheduler(spec string, service *service, zaplog *zap.Logger) (*scheduler, error) {
	logger := cronLogger{sugar: zaplog.Sugar()}
	s := &scheduler{
		// проход пропускается, если предыдущий не закончился
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		zaplog: zaplog,
	}
	if spec == "" {
		return s, nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()

		resolved, err := service.Reconcile(ctx)
		if err != nil {
			zaplog.Warn("reconcile pass failed", zap.Error(err))
			return
		}
		if resolved > 0 {
			zaplog.Info("reconcile pass finished", zap.Int("resolved", resolved))
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *scheduler) start() error {
	s.cron.Start()
	s.zaplog.Info("reconciler started", zap.Int("jobs", len(s.cron.Entries())))
	return nil
}

// stop ждет окончания текущего прохода
func (s *scheduler) stop() {
	<-s.cron.Stop().Done()
}
