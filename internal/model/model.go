// Package model contains the domain entities of the botstore service.
package model

import (
	"strings"
	"time"
)

// Provider identifies a payment rail that reports settlement signals.
type Provider string

const (
	ProviderNowPayments Provider = "nowpayments"
	ProviderSTK         Provider = "stk"
)

// OrderStatus describes the payment state of an order. The vocabulary is
// provider-tagged: each rail has its own confirmed/partial/failed tags, plus
// the plain tags an admin may set by hand.
type OrderStatus string

const (
	OrderStatusPending            OrderStatus = "pending"
	OrderStatusPendingSTK         OrderStatus = "pending_stk"
	OrderStatusWaitingNowPayments OrderStatus = "waiting_nowpayments"

	OrderStatusPartialNowPayments OrderStatus = "partial_nowpayments"
	OrderStatusPartialSTK         OrderStatus = "partial_stk"
	// OrderStatusPartialPayment is the admin-set partial tag.
	OrderStatusPartialPayment OrderStatus = "partial payment"

	OrderStatusConfirmed            OrderStatus = "confirmed"
	OrderStatusConfirmedNowPayments OrderStatus = "confirmed_nowpayments"
	OrderStatusConfirmedServerSTK   OrderStatus = "confirmed_server_stk"

	// OrderStatusNoPayment is the admin-set tag for orders with no settlement.
	OrderStatusNoPayment OrderStatus = "no payment"
)

const failedPrefix = "failed_"

// ConfirmedTag returns the confirmed-family tag for the given provider.
func ConfirmedTag(p Provider) OrderStatus {
	switch p {
	case ProviderSTK:
		return OrderStatusConfirmedServerSTK
	case ProviderNowPayments:
		return OrderStatusConfirmedNowPayments
	default:
		return OrderStatusConfirmed
	}
}

// PartialTag returns the partial-settlement tag for the given provider.
func PartialTag(p Provider) OrderStatus {
	if p == ProviderSTK {
		return OrderStatusPartialSTK
	}
	return OrderStatusPartialNowPayments
}

// FailedTag builds the failed-family tag for a provider and a reason reported
// by that provider (failed, refunded, expired, a Daraja result code, ...).
func FailedTag(p Provider, reason string) OrderStatus {
	return OrderStatus(failedPrefix + string(p) + "_" + reason)
}

// InConfirmedFamily reports whether the status represents settled payment.
// This predicate is the single definition of settlement; nothing else in the
// codebase may string-match status values.
func InConfirmedFamily(s OrderStatus) bool {
	switch s {
	case OrderStatusConfirmed, OrderStatusConfirmedNowPayments, OrderStatusConfirmedServerSTK:
		return true
	}
	return false
}

// InFailedFamily reports whether the status records a failed, refunded or
// expired settlement for any provider.
func InFailedFamily(s OrderStatus) bool {
	return strings.HasPrefix(string(s), failedPrefix) || s == OrderStatusNoPayment
}

// HasFailedProvider reports whether the status already carries a failed tag
// for the given provider.
func HasFailedProvider(s OrderStatus, p Provider) bool {
	return strings.HasPrefix(string(s), failedPrefix+string(p)+"_")
}

// PaymentMethod identifies which checkout rail created an order.
type PaymentMethod string

const (
	PaymentMethodMpesaManual PaymentMethod = "mpesa_manual"
	PaymentMethodMpesaSTK    PaymentMethod = "mpesa_stk"
	PaymentMethodCrypto      PaymentMethod = "crypto"
)

// Order describes one purchase of a catalog item. RefCode is the unique
// correlation key used by every ingress point; rows are never deleted.
type Order struct {
	ID            int64
	RefCode       string
	Item          int64
	AmountCents   int64
	Status        OrderStatus
	Downloaded    bool
	Email         string
	Phone         string
	PaymentMethod PaymentMethod
	// GatewayRef correlates the order with the provider that initiated it:
	// the Daraja CheckoutRequestID for STK orders, the NOWPayments payment
	// id for crypto orders, empty for manual references.
	GatewayRef string
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Product describes one purchasable catalog entry backed by a stored file.
type Product struct {
	ID         int64
	Name       string
	Slug       string
	Summary    string
	PriceCents int64
	FileID     string
	FileSize   int64
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DownloadToken is a single-use, time-bounded capability unlocking the files
// of one or more confirmed orders.
type DownloadToken struct {
	Token     string
	OrderIDs  []int64
	Email     string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// CustomOrderStatus describes the stage of a bespoke bot request.
type CustomOrderStatus string

const (
	CustomOrderStatusNew       CustomOrderStatus = "new"
	CustomOrderStatusQuoted    CustomOrderStatus = "quoted"
	CustomOrderStatusPaid      CustomOrderStatus = "paid"
	CustomOrderStatusDelivered CustomOrderStatus = "delivered"
	CustomOrderStatusRejected  CustomOrderStatus = "rejected"
)

// CustomOrder is a request for a bespoke bot, handled manually by an admin
// alongside the regular catalog flow.
type CustomOrder struct {
	ID          int64
	RefCode     string
	Name        string
	Email       string
	Description string
	BudgetCents int64
	Status      CustomOrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
