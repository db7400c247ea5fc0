package model

import "time"

// Заказы на оплату

type Order struct {
	ID          string
	MerchantRef string
	Data        OrderData
}
type OrderData struct {
	Amount        int64 // в минимальных единицах валюты (фэнь)
	Status        OrderStatus
	Kind          OrderKind
	ResourceID    string
	SubjectID     string // пусто - анонимный заказ по ссылке
	ShareID       string
	TransactionID string // заполняется только для paid/refunded
	CreatedAt     time.Time
	ConfirmedAt   time.Time
	UpdatedAt     time.Time
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

type OrderKind string

const (
	OrderKindDirect      OrderKind = "direct"
	OrderKindOwnerShare  OrderKind = "owner"
	OrderKindViewerShare OrderKind = "viewer"
)

// Допустимые переходы. pending - единственное начальное состояние,
// cancelled и refunded - конечные.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusRefunded},
}

func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Скачивания. Журнал только на добавление

type Download struct {
	ID   string
	Data DownloadData
}
type DownloadData struct {
	OrderID    string // пусто - бесплатное скачивание
	SubjectID  string // пусто - анонимный посетитель
	ResourceID string
	ShareID    string
	IsFree     bool
	Kind       DownloadKind
	CreatedAt  time.Time
}

// DownloadKind повторяет уровень доступа. Заказ посетителя бывает только по ссылке,
// поэтому его скачивания всегда share_paid_by_viewer
type DownloadKind string

const (
	DownloadKindFree              DownloadKind = "free"
	DownloadKindOwnerPaid         DownloadKind = "owner_paid"
	DownloadKindSharePaidByOwner  DownloadKind = "share_paid_by_owner"
	DownloadKindSharePaidByViewer DownloadKind = "share_paid_by_viewer"
)

// Ссылки для внешнего доступа

type Share struct {
	ID    string
	Token string
	Data  ShareData
}
type ShareData struct {
	ResourceID string
	OwnerID    string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type AccessType string

const (
	AccessTypeNone       AccessType = "none"
	AccessTypeOwnerPaid  AccessType = "owner_paid"
	AccessTypeViewerPaid AccessType = "viewer_paid"
)

type ShareAccess struct {
	HasAccess          bool
	AccessType         AccessType
	RemainingDownloads int
	OrderID            string
}

// Решение о скачивании для пользователя
type DownloadLimit struct {
	CanDownload        bool
	RemainingDownloads int
	OrderID            string // пусто - бесплатное
}

// Журнал уведомлений платежной системы

type WebhookEvent struct {
	EventID      string
	EventType    string
	ResourceType string
	Summary      string
	CreatedTime  time.Time
	ReceivedAt   time.Time
}
