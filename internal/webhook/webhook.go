// Уведомления платежной системы: расшифровка, журнал событий, смена статуса заказа
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/model"
	"github.com/iurnickita/resumepay/internal/order"
	"github.com/iurnickita/resumepay/internal/payclient"
	"github.com/iurnickita/resumepay/internal/store"
)

const (
	AckSuccess = "SUCCESS"
	AckFail    = "FAIL"

	algorithmGCM = "AEAD_AES_256_GCM"

	EventTransactionSuccess = "TRANSACTION.SUCCESS"
	EventRefundSuccess      = "REFUND.SUCCESS"
)

var (
	ErrMalformed           = errors.New("malformed notification")
	ErrStale               = errors.New("notification is too old")
	ErrNotificationDecrypt = errors.New("notification decryption failed")
	ErrAmountMismatch      = errors.New("notification amount does not match order")
)

// Ack - ответ платежной системе. Сообщение не содержит подробностей ошибки
type Ack struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type Envelope struct {
	ID           string   `json:"id"`
	CreateTime   string   `json:"create_time"`
	EventType    string   `json:"event_type"`
	ResourceType string   `json:"resource_type"`
	Summary      string   `json:"summary"`
	Resource     Resource `json:"resource"`
}

type Resource struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	AssociatedData string `json:"associated_data"`
	Nonce          string `json:"nonce"`
	OriginalType   string `json:"original_type"`
}

// Transaction - расшифрованное уведомление об оплате
type Transaction struct {
	MerchantRef   string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeState    string `json:"trade_state"`
	SuccessTime   string `json:"success_time"`
	Amount        struct {
		Total int64 `json:"total"`
	} `json:"amount"`
}

// Refund - расшифрованное уведомление о возврате
type Refund struct {
	MerchantRef   string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	RefundStatus  string `json:"refund_status"`
	SuccessTime   string `json:"success_time"`
}

type Ingestor interface {
	Handle(ctx context.Context, body []byte) (Ack, int)
}

type ingestor struct {
	store   store.Store
	orders  order.Machine
	pay     payclient.Client
	maxAge  time.Duration
	retries int
	now     func() time.Time
	zaplog  *zap.Logger
}

func NewIngestor(st store.Store, orders order.Machine, pay payclient.Client, maxAge time.Duration, retries int, zaplog *zap.Logger) Ingestor {
	return &ingestor{
		store:   st,
		orders:  orders,
		pay:     pay,
		maxAge:  maxAge,
		retries: retries,
		now:     time.Now,
		zaplog:  zaplog,
	}
}

func success() (Ack, int) {
	return Ack{Code: AckSuccess}, http.StatusOK
}

func fail(status int) (Ack, int) {
	return Ack{Code: AckFail, Message: http.StatusText(status)}, status
}

func (ingestor *ingestor) Handle(ctx context.Context, body []byte) (Ack, int) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		ingestor.zaplog.Warn("webhook rejected", zap.Error(ErrMalformed))
		return fail(http.StatusBadRequest)
	}
	log := ingestor.zaplog.With(
		zap.String("event_id", envelope.ID),
		zap.String("event_type", envelope.EventType))

	createdAt, err := ingestor.validate(envelope)
	if err != nil {
		log.Warn("webhook rejected", zap.Error(err))
		return fail(http.StatusBadRequest)
	}

	plaintext, err := ingestor.pay.DecryptNotification(
		envelope.Resource.Ciphertext,
		envelope.Resource.AssociatedData,
		envelope.Resource.Nonce)
	if err != nil {
		if errors.Is(err, payclient.ErrConfigIncomplete) {
			log.Error("webhook cannot be decrypted: API key is not configured")
			return fail(http.StatusInternalServerError)
		}
		log.Warn("webhook rejected", zap.Error(ErrNotificationDecrypt))
		return fail(http.StatusBadRequest)
	}

	// Журнал: повторная доставка обработанного события не применяется снова
	var processed bool
	err = store.Retry(ctx, ingestor.retries, func() error {
		var err error
		processed, err = ingestor.store.WebhookEventPost(ctx, model.WebhookEvent{
			EventID:      envelope.ID,
			EventType:    envelope.EventType,
			ResourceType: envelope.ResourceType,
			Summary:      envelope.Summary,
			CreatedTime:  createdAt,
			ReceivedAt:   ingestor.now().UTC(),
		})
		return err
	})
	if err != nil {
		log.Error("webhook journal", zap.Error(err))
		return fail(http.StatusInternalServerError)
	}
	if processed {
		log.Info("webhook already processed")
		return success()
	}

	err = ingestor.route(ctx, log, envelope.EventType, plaintext)
	handled := ingestor.handled(log, err)

	processingErr := ""
	if err != nil {
		processingErr = err.Error()
	}
	if doneErr := ingestor.store.WebhookEventDone(ctx, envelope.ID, processingErr); doneErr != nil {
		log.Warn("webhook journal", zap.Error(doneErr))
	}

	if !handled {
		return fail(http.StatusInternalServerError)
	}
	return success()
}

func (ingestor *ingestor) validate(envelope Envelope) (time.Time, error) {
	if envelope.ID == "" || envelope.EventType == "" || envelope.Resource.Ciphertext == "" {
		return time.Time{}, ErrMalformed
	}
	if envelope.Resource.Algorithm != algorithmGCM {
		return time.Time{}, ErrMalformed
	}
	createdAt, err := time.Parse(time.RFC3339, envelope.CreateTime)
	if err != nil {
		return time.Time{}, ErrMalformed
	}
	if ingestor.maxAge > 0 && ingestor.now().Sub(createdAt) > ingestor.maxAge {
		return time.Time{}, ErrStale
	}
	return createdAt, nil
}

// fresh проверяет время из расшифрованного уведомления.
// create_time конверта не защищен шифрованием и отсекает только явно старые доставки
func (ingestor *ingestor) fresh(successTime string) error {
	if successTime == "" || ingestor.maxAge <= 0 {
		return nil
	}
	at, err := time.Parse(time.RFC3339, successTime)
	if err != nil {
		return ErrMalformed
	}
	if ingestor.now().Sub(at) > ingestor.maxAge {
		return ErrStale
	}
	return nil
}

// handled сообщает, можно ли подтвердить получение. Временные ошибки
// хранилища оставляют повтор доставки платежной системе
func (ingestor *ingestor) handled(log *zap.Logger, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, order.ErrOrderNotFound):
		log.Warn("webhook for unknown order")
		return true
	case errors.Is(err, order.ErrInvalidTransition):
		log.Warn("webhook transition rejected")
		return true
	case errors.Is(err, order.ErrConflictingConfirmation), errors.Is(err, ErrAmountMismatch):
		log.Error("webhook needs manual reconciliation", zap.Error(err), zap.String("reconcile", "manual"))
		return true
	case errors.Is(err, ErrMalformed):
		log.Warn("webhook payload rejected")
		return true
	case errors.Is(err, ErrStale):
		log.Warn("webhook payload is too old")
		return true
	default:
		log.Error("webhook processing failed", zap.Error(err))
		return false
	}
}

func (ingestor *ingestor) route(ctx context.Context, log *zap.Logger, eventType string, plaintext []byte) error {
	switch eventType {
	case EventTransactionSuccess:
		var tx Transaction
		if err := json.Unmarshal(plaintext, &tx); err != nil || tx.MerchantRef == "" {
			return ErrMalformed
		}
		log = log.With(zap.String("out_trade_no", tx.MerchantRef))
		if tx.TradeState != payclient.TradeStateSuccess {
			log.Info("webhook trade state acknowledged", zap.String("trade_state", tx.TradeState))
			return nil
		}
		if err := ingestor.fresh(tx.SuccessTime); err != nil {
			return err
		}

		current, err := ingestor.orders.Status(ctx, tx.MerchantRef)
		if err != nil {
			return err
		}
		if tx.Amount.Total != 0 && tx.Amount.Total != current.Data.Amount {
			return ErrAmountMismatch
		}
		if _, err = ingestor.orders.Confirm(ctx, tx.MerchantRef, tx.TransactionID); err != nil {
			return err
		}
		log.Info("payment confirmed")
		return nil

	case EventRefundSuccess:
		var refund Refund
		if err := json.Unmarshal(plaintext, &refund); err != nil || refund.MerchantRef == "" {
			return ErrMalformed
		}
		log = log.With(zap.String("out_trade_no", refund.MerchantRef))
		if refund.RefundStatus != payclient.TradeStateSuccess {
			log.Info("webhook refund status acknowledged", zap.String("refund_status", refund.RefundStatus))
			return nil
		}
		if err := ingestor.fresh(refund.SuccessTime); err != nil {
			return err
		}
		if _, err := ingestor.orders.Refund(ctx, refund.MerchantRef, refund.TransactionID); err != nil {
			return err
		}
		log.Info("payment refunded")
		return nil

	default:
		log.Info("webhook event acknowledged without action")
		return nil
	}
}
