package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry повторяет op при временных ошибках хранилища не более retries раз
// с экспоненциальной задержкой. Прочие ошибки возвращаются сразу
func Retry(ctx context.Context, retries int, op func() error) error {
	if retries < 0 {
		retries = 0
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 50 * time.Millisecond
	exp.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
