package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/resumepay/internal/model"
	"github.com/iurnickita/resumepay/internal/store/config"
)

type Store interface {
	OrderPost(ctx context.Context, order model.Order) error
	OrderGet(ctx context.Context, merchantRef string) (model.Order, error)
	OrderGetByID(ctx context.Context, id string) (model.Order, error)
	OrderTransition(ctx context.Context, merchantRef string, from, to model.OrderStatus, transactionID string, at time.Time) (model.Order, error)
	// OrderListPaid - только прямые заказы: заказы по ссылке расходуются через ссылку
	OrderListPaid(ctx context.Context, subject string, resource string) ([]model.Order, error)
	OrderListPaidByShare(ctx context.Context, shareID string) ([]model.Order, error)
	OrderListPending(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error)
	DownloadPost(ctx context.Context, download model.Download, limit int) (int, error)
	DownloadPostFree(ctx context.Context, download model.Download, allowance int) (int, error)
	DownloadCount(ctx context.Context, orderID string) (int, error)
	DownloadCountFree(ctx context.Context, subject string) (int, error)
	AllowanceGet(ctx context.Context, subject string) (int, error)
	AllowancePut(ctx context.Context, subject string, allowance int) error
	SharePost(ctx context.Context, share model.Share) error
	ShareGet(ctx context.Context, token string) (model.Share, error)
	ShareGetByID(ctx context.Context, id string) (model.Share, error)
	ShareList(ctx context.Context, resource string, owner string) ([]model.Share, error)
	ShareDeactivate(ctx context.Context, id string, owner string) (model.Share, error)
	WebhookEventPost(ctx context.Context, event model.WebhookEvent) (bool, error)
	WebhookEventDone(ctx context.Context, eventID string, processingErr string) error
	Close() error
}

var (
	ErrNoRows        = errors.New("no rows")
	ErrAlreadyExists = errors.New("already exists")
	ErrStatusChanged = errors.New("order status changed concurrently")
	ErrLimitReached  = errors.New("download limit reached")
	ErrShareInactive = errors.New("share is inactive")
)

const orderColumns = "id, merchant_ref, amount, status, kind, resource_id, subject_id," +
	" share_id, transaction_id, created_at, confirmed_at, updated_at"

const shareColumns = "id, token, resource_id, owner_id, is_active, created_at, updated_at"

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	// Заказы. Одна строка на заказ, меняется только статус и данные подтверждения.
	// transaction_id заполнен тогда и только тогда, когда статус paid или refunded
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS orders (" +
			" id UUID PRIMARY KEY," +
			" merchant_ref VARCHAR (32) NOT NULL UNIQUE," +
			" amount BIGINT NOT NULL CHECK (amount > 0)," +
			" status VARCHAR (16) NOT NULL," +
			" kind VARCHAR (16) NOT NULL," +
			" resource_id TEXT NOT NULL," +
			" subject_id TEXT," +
			" share_id UUID," +
			" transaction_id TEXT," +
			" created_at TIMESTAMPTZ NOT NULL," +
			" confirmed_at TIMESTAMPTZ," +
			" updated_at TIMESTAMPTZ NOT NULL," +
			" CHECK ((transaction_id IS NOT NULL) = (status IN ('paid', 'refunded')))" +
			" );")
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS shares (" +
			" id UUID PRIMARY KEY," +
			" token TEXT NOT NULL UNIQUE," +
			" resource_id TEXT NOT NULL," +
			" owner_id TEXT NOT NULL," +
			" is_active BOOLEAN NOT NULL DEFAULT TRUE," +
			" created_at TIMESTAMPTZ NOT NULL," +
			" updated_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	// Скачивания. Журнал: записи не редактируются и не удаляются
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS downloads (" +
			" id UUID PRIMARY KEY," +
			" order_id UUID REFERENCES orders (id)," +
			" subject_id TEXT," +
			" resource_id TEXT NOT NULL," +
			" share_id UUID," +
			" is_free BOOLEAN NOT NULL," +
			" kind VARCHAR (32) NOT NULL," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS free_allowances (" +
			" subject_id TEXT PRIMARY KEY," +
			" allowance INTEGER NOT NULL CHECK (allowance >= 0)" +
			" );")
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS webhook_events (" +
			" event_id TEXT PRIMARY KEY," +
			" event_type TEXT NOT NULL," +
			" resource_type TEXT NOT NULL," +
			" summary TEXT NOT NULL," +
			" created_time TIMESTAMPTZ," +
			" received_at TIMESTAMPTZ NOT NULL," +
			" processed_at TIMESTAMPTZ," +
			" error TEXT" +
			" );")
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_orders_subject_resource ON orders (subject_id, resource_id, status);" +
			" CREATE INDEX IF NOT EXISTS idx_orders_share ON orders (share_id, status);" +
			" CREATE INDEX IF NOT EXISTS idx_orders_pending ON orders (status, created_at);" +
			" CREATE INDEX IF NOT EXISTS idx_downloads_order ON downloads (order_id);" +
			" CREATE INDEX IF NOT EXISTS idx_downloads_free ON downloads (subject_id) WHERE is_free;")
	if err != nil {
		return nil, err
	}

	return &store{
		database: db,
	}, nil
}

func (store *store) Close() error {
	return store.database.Close()
}

// IsTransient сообщает, имеет ли смысл повторить операцию
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (model.Order, error) {
	var order model.Order
	var subject, share, transaction sql.NullString
	var confirmedAt sql.NullTime
	err := row.Scan(&order.ID,
		&order.MerchantRef,
		&order.Data.Amount,
		&order.Data.Status,
		&order.Data.Kind,
		&order.Data.ResourceID,
		&subject,
		&share,
		&transaction,
		&order.Data.CreatedAt,
		&confirmedAt,
		&order.Data.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrNoRows
		}
		return model.Order{}, err
	}
	order.Data.SubjectID = subject.String
	order.Data.ShareID = share.String
	order.Data.TransactionID = transaction.String
	order.Data.ConfirmedAt = confirmedAt.Time
	return order, nil
}

func scanShare(row rowScanner) (model.Share, error) {
	var share model.Share
	err := row.Scan(&share.ID,
		&share.Token,
		&share.Data.ResourceID,
		&share.Data.OwnerID,
		&share.Data.IsActive,
		&share.Data.CreatedAt,
		&share.Data.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Share{}, ErrNoRows
		}
		return model.Share{}, err
	}
	return share, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (store *store) OrderPost(ctx context.Context, order model.Order) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO orders ("+orderColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		order.ID,
		order.MerchantRef,
		order.Data.Amount,
		order.Data.Status,
		order.Data.Kind,
		order.Data.ResourceID,
		nullable(order.Data.SubjectID),
		nullable(order.Data.ShareID),
		nullable(order.Data.TransactionID),
		order.Data.CreatedAt,
		nullableTime(order.Data.ConfirmedAt),
		order.Data.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *store) OrderGet(ctx context.Context, merchantRef string) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders"+
			" WHERE merchant_ref = $1",
		merchantRef)
	return scanOrder(row)
}

func (store *store) OrderGetByID(ctx context.Context, id string) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders"+
			" WHERE id = $1",
		id)
	return scanOrder(row)
}

func (store *store) OrderTransition(ctx context.Context, merchantRef string, from, to model.OrderStatus, transactionID string, at time.Time) (model.Order, error) {
	// Сравнение со старым статусом в WHERE: из двух конкурирующих переходов применится один
	row := store.database.QueryRowContext(ctx,
		"UPDATE orders"+
			" SET status = $1,"+
			"     transaction_id = COALESCE($2, transaction_id),"+
			"     confirmed_at = CASE WHEN $1 = 'paid' THEN $3 ELSE confirmed_at END,"+
			"     updated_at = $3"+
			" WHERE merchant_ref = $4"+
			"   AND status = $5"+
			" RETURNING "+orderColumns,
		to,
		nullable(transactionID),
		at,
		merchantRef,
		from)
	order, err := scanOrder(row)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, ErrNoRows) {
		return model.Order{}, err
	}

	// Строка не обновлена: заказа нет или статус уже другой
	if _, err = store.OrderGet(ctx, merchantRef); err != nil {
		return model.Order{}, err
	}
	return model.Order{}, ErrStatusChanged
}

func (store *store) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := store.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (store *store) OrderListPaid(ctx context.Context, subject string, resource string) ([]model.Order, error) {
	return store.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders"+
			" WHERE subject_id = $1"+
			"   AND resource_id = $2"+
			"   AND kind = $3"+
			"   AND status = $4"+
			" ORDER BY created_at DESC",
		subject,
		resource,
		model.OrderKindDirect,
		model.OrderStatusPaid)
}

func (store *store) OrderListPaidByShare(ctx context.Context, shareID string) ([]model.Order, error) {
	return store.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders"+
			" WHERE share_id = $1"+
			"   AND status = $2"+
			" ORDER BY created_at DESC",
		shareID,
		model.OrderStatusPaid)
}

func (store *store) OrderListPending(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error) {
	return store.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders"+
			" WHERE status = $1"+
			"   AND created_at < $2"+
			" ORDER BY created_at"+
			" LIMIT $3",
		model.OrderStatusPending,
		createdBefore,
		limit)
}

func (store *store) insertDownload(ctx context.Context, tx *sql.Tx, download model.Download) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO downloads (id, order_id, subject_id, resource_id, share_id, is_free, kind, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		download.ID,
		nullable(download.Data.OrderID),
		nullable(download.Data.SubjectID),
		download.Data.ResourceID,
		nullable(download.Data.ShareID),
		download.Data.IsFree,
		download.Data.Kind,
		download.Data.CreatedAt)
	return err
}

func (store *store) DownloadPost(ctx context.Context, download model.Download, limit int) (int, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Блокировка строки заказа: проверка лимита и запись выполняются атомарно
	var status model.OrderStatus
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM orders WHERE id = $1 FOR UPDATE",
		download.Data.OrderID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNoRows
		}
		return 0, err
	}
	if status != model.OrderStatusPaid {
		return 0, ErrStatusChanged
	}

	// Деактивация ссылки (UPDATE) ждет окончания транзакции
	if download.Data.ShareID != "" {
		var active bool
		err = tx.QueryRowContext(ctx,
			"SELECT is_active FROM shares WHERE id = $1 FOR SHARE",
			download.Data.ShareID).Scan(&active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, ErrShareInactive
			}
			return 0, err
		}
		if !active {
			return 0, ErrShareInactive
		}
	}

	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM downloads WHERE order_id = $1",
		download.Data.OrderID).Scan(&count)
	if err != nil {
		return 0, err
	}
	if count >= limit {
		return count, ErrLimitReached
	}

	if err = store.insertDownload(ctx, tx, download); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return count + 1, nil
}

func (store *store) DownloadPostFree(ctx context.Context, download model.Download, allowance int) (int, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Бесплатные скачивания считаются по пользователю: блокировка на уровне пользователя
	_, err = tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtext('free:' || $1))",
		download.Data.SubjectID)
	if err != nil {
		return 0, err
	}

	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM downloads WHERE subject_id = $1 AND is_free",
		download.Data.SubjectID).Scan(&count)
	if err != nil {
		return 0, err
	}
	if count >= allowance {
		return count, ErrLimitReached
	}

	if err = store.insertDownload(ctx, tx, download); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return count + 1, nil
}

func (store *store) DownloadCount(ctx context.Context, orderID string) (int, error) {
	var count int
	err := store.database.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM downloads WHERE order_id = $1",
		orderID).Scan(&count)
	return count, err
}

func (store *store) DownloadCountFree(ctx context.Context, subject string) (int, error) {
	var count int
	err := store.database.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM downloads WHERE subject_id = $1 AND is_free",
		subject).Scan(&count)
	return count, err
}

func (store *store) AllowanceGet(ctx context.Context, subject string) (int, error) {
	var allowance int
	err := store.database.QueryRowContext(ctx,
		"SELECT allowance FROM free_allowances WHERE subject_id = $1",
		subject).Scan(&allowance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNoRows
		}
		return 0, err
	}
	return allowance, nil
}

func (store *store) AllowancePut(ctx context.Context, subject string, allowance int) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO free_allowances (subject_id, allowance)"+
			" VALUES ($1, $2)"+
			" ON CONFLICT (subject_id) DO UPDATE SET allowance = EXCLUDED.allowance",
		subject,
		allowance)
	return err
}

func (store *store) SharePost(ctx context.Context, share model.Share) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO shares ("+shareColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)",
		share.ID,
		share.Token,
		share.Data.ResourceID,
		share.Data.OwnerID,
		share.Data.IsActive,
		share.Data.CreatedAt,
		share.Data.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *store) ShareGet(ctx context.Context, token string) (model.Share, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+shareColumns+" FROM shares WHERE token = $1",
		token)
	return scanShare(row)
}

func (store *store) ShareGetByID(ctx context.Context, id string) (model.Share, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+shareColumns+" FROM shares WHERE id = $1",
		id)
	return scanShare(row)
}

func (store *store) ShareList(ctx context.Context, resource string, owner string) ([]model.Share, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+shareColumns+" FROM shares"+
			" WHERE resource_id = $1"+
			"   AND owner_id = $2"+
			"   AND is_active"+
			" ORDER BY created_at DESC",
		resource,
		owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shares []model.Share
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return shares, nil
}

func (store *store) ShareDeactivate(ctx context.Context, id string, owner string) (model.Share, error) {
	row := store.database.QueryRowContext(ctx,
		"UPDATE shares"+
			" SET is_active = FALSE, updated_at = $1"+
			" WHERE id = $2"+
			"   AND owner_id = $3"+
			" RETURNING "+shareColumns,
		time.Now().UTC(),
		id,
		owner)
	return scanShare(row)
}

func (store *store) WebhookEventPost(ctx context.Context, event model.WebhookEvent) (bool, error) {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO webhook_events (event_id, event_type, resource_type, summary, created_time, received_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6)"+
			" ON CONFLICT (event_id) DO NOTHING",
		event.EventID,
		event.EventType,
		event.ResourceType,
		event.Summary,
		nullableTime(event.CreatedTime),
		event.ReceivedAt)
	if err != nil {
		return false, err
	}

	// Повторная доставка: обработано ли событие ранее
	var processedAt sql.NullTime
	var processingErr sql.NullString
	err = store.database.QueryRowContext(ctx,
		"SELECT processed_at, error FROM webhook_events WHERE event_id = $1",
		event.EventID).Scan(&processedAt, &processingErr)
	if err != nil {
		return false, err
	}
	return processedAt.Valid && !processingErr.Valid, nil
}

func (store *store) WebhookEventDone(ctx context.Context, eventID string, processingErr string) error {
	_, err := store.database.ExecContext(ctx,
		"UPDATE webhook_events"+
			" SET processed_at = $1, error = $2"+
			" WHERE event_id = $3",
		time.Now().UTC(),
		nullable(processingErr),
		eventID)
	return err
}
