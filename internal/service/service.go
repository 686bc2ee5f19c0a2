// Package service implements the business logic of the botstore.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jkirwa/botstore-system/internal/filestore"
	"github.com/jkirwa/botstore-system/internal/gateway/mpesa"
	"github.com/jkirwa/botstore-system/internal/gateway/nowpayments"
	"github.com/jkirwa/botstore-system/internal/model"
	"github.com/jkirwa/botstore-system/internal/reconcile"
	"github.com/jkirwa/botstore-system/internal/repository"
)

// ErrAmountMismatch is returned when a submitted amount differs from the catalog price.
var (
	ErrAmountMismatch = errors.New("amount does not match catalog price")
	// ErrProductUnavailable is returned for inactive catalog entries.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrOrderNotEligible is returned when a download is requested for an
	// order that is not confirmed or was already downloaded.
	ErrOrderNotEligible = errors.New("order not eligible for download")
	// ErrBadSignature is returned for webhook payloads that fail verification.
	ErrBadSignature = errors.New("invalid webhook signature")
	// ErrUnsupportedPaymentMethod is returned for unknown checkout rails.
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	// ErrGatewayUnavailable is returned when a payment gateway rejects or
	// fails the initiation call at checkout.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Repository describes the data-access contract used by the service.
type Repository interface {
	Close() error
	CreateOrder(ctx context.Context, o *model.Order) (int64, error)
	GetOrderByRefCode(ctx context.Context, refCode string) (*model.Order, error)
	GetOrderByGatewayRef(ctx context.Context, gatewayRef string) (*model.Order, error)
	GetOrdersByIDs(ctx context.Context, ids []int64) ([]model.Order, error)
	ListOrders(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error)
	UpdateOrderStatusCAS(ctx context.Context, refCode string, from, to model.OrderStatus, note string) (bool, error)
	SetOrderGatewayRef(ctx context.Context, refCode, gatewayRef string) error
	GetOrdersForStatusSweep(ctx context.Context, limit int) ([]model.Order, error)
	CreateDownloadToken(ctx context.Context, t *model.DownloadToken) error
	GetDownloadToken(ctx context.Context, token string) (*model.DownloadToken, error)
	ConsumeDownloadToken(ctx context.Context, token string, now time.Time) (*model.DownloadToken, error)
	CreateProduct(ctx context.Context, p *model.Product) (int64, error)
	UpdateProduct(ctx context.Context, p *model.Product) error
	ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error)
	CreateCustomOrder(ctx context.Context, c *model.CustomOrder) (int64, error)
	ListCustomOrders(ctx context.Context, limit int) ([]model.CustomOrder, error)
	UpdateCustomOrderStatus(ctx context.Context, id int64, status model.CustomOrderStatus) error
}

// Catalog describes the product-read contract used by the service.
type Catalog interface {
	ListActive(ctx context.Context) ([]model.Product, error)
	GetByID(ctx context.Context, id int64) (*model.Product, error)
	GetBySlug(ctx context.Context, slug string) (*model.Product, error)
	Invalidate(ctx context.Context, id int64, slug string)
}

// CryptoGateway describes the NOWPayments client contract.
type CryptoGateway interface {
	CreatePayment(ctx context.Context, req nowpayments.CreatePaymentRequest) (*nowpayments.Payment, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (*nowpayments.Payment, int, time.Duration, error)
	VerifyIPNSignature(signature string, body []byte) bool
}

// STKGateway describes the Daraja client contract.
type STKGateway interface {
	STKPush(ctx context.Context, phone string, amountCents int64, refCode string) (string, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
}

// Notifier describes the transactional-email contract.
type Notifier interface {
	SendOrderConfirmed(ctx context.Context, to, productName, refCode string, amountCents int64) error
	SendCustomOrderReceived(ctx context.Context, to, refCode string) error
}

// Service contains the botstore business logic.
type Service struct {
	repo     Repository
	catalog  Catalog
	crypto   CryptoGateway
	stk      STKGateway
	notifier Notifier
	files    filestore.Store
	logger   *zap.Logger
	tokenTTL time.Duration

	notifyWG sync.WaitGroup
}

// NewService creates the service. The crypto and STK gateways and the
// notifier may be nil when the corresponding integration is not configured.
func NewService(repo Repository, catalog Catalog, crypto CryptoGateway, stk STKGateway, notifier Notifier, files filestore.Store, logger *zap.Logger, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		repo:     repo,
		catalog:  catalog,
		crypto:   crypto,
		stk:      stk,
		notifier: notifier,
		files:    files,
		logger:   logger,
		tokenTTL: tokenTTL,
	}
}

// Close waits for in-flight notifications and releases service resources.
func (s *Service) Close() error {
	s.notifyWG.Wait()
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CheckoutInput carries one order-creation request.
type CheckoutInput struct {
	ItemID      int64
	Method      model.PaymentMethod
	Email       string
	Phone       string
	AmountCents int64
	// RefCode is the buyer-submitted M-Pesa receipt for the manual rail;
	// generated server-side for the other rails.
	RefCode string
	// PayCurrency is the crypto currency the buyer wants to pay in.
	PayCurrency string
}

// CheckoutResult is the outcome of order creation. PayAddress/PayAmount are
// set for the crypto rail only.
type CheckoutResult struct {
	Order       *model.Order
	PayAddress  string
	PayAmount   float64
	PayCurrency string
}

// Checkout validates a purchase against the catalog and creates the order on
// the requested payment rail. The submitted amount must equal the catalog
// price; it is never trusted from the client.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	product, err := s.catalog.GetByID(ctx, in.ItemID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, fmt.Errorf("%w: %s", ErrProductUnavailable, product.Slug)
	}
	if in.AmountCents != product.PriceCents {
		return nil, fmt.Errorf("%w: got %d, catalog price %d", ErrAmountMismatch, in.AmountCents, product.PriceCents)
	}

	switch in.Method {
	case model.PaymentMethodMpesaManual:
		return s.checkoutManual(ctx, in, product)
	case model.PaymentMethodMpesaSTK:
		return s.checkoutSTK(ctx, in, product)
	case model.PaymentMethodCrypto:
		return s.checkoutCrypto(ctx, in, product)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, in.Method)
	}
}

func (s *Service) checkoutManual(ctx context.Context, in CheckoutInput, product *model.Product) (*CheckoutResult, error) {
	order := &model.Order{
		RefCode:       in.RefCode,
		Item:          product.ID,
		AmountCents:   product.PriceCents,
		Status:        model.OrderStatusPending,
		Email:         in.Email,
		Phone:         in.Phone,
		PaymentMethod: model.PaymentMethodMpesaManual,
		Notes:         "manual mpesa reference submitted",
	}

	id, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	order.ID = id

	return &CheckoutResult{Order: order}, nil
}

func (s *Service) checkoutSTK(ctx context.Context, in CheckoutInput, product *model.Product) (*CheckoutResult, error) {
	if s.stk == nil {
		return nil, fmt.Errorf("%w: stk gateway not configured", ErrUnsupportedPaymentMethod)
	}
	// Daraja bills whole shillings; a sub-shilling price would settle for
	// less than the recorded amount.
	if product.PriceCents%100 != 0 {
		return nil, fmt.Errorf("%w: price %d cents is not billable via stk", ErrUnsupportedPaymentMethod, product.PriceCents)
	}

	order := &model.Order{
		RefCode:       generateRefCode(),
		Item:          product.ID,
		AmountCents:   product.PriceCents,
		Status:        model.OrderStatusPending,
		Email:         in.Email,
		Phone:         in.Phone,
		PaymentMethod: model.PaymentMethodMpesaSTK,
		Notes:         "awaiting stk push",
	}

	id, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	order.ID = id

	checkoutID, err := s.stk.STKPush(ctx, in.Phone, order.AmountCents, order.RefCode)
	if err != nil {
		failed := model.FailedTag(model.ProviderSTK, "init")
		if _, casErr := s.repo.UpdateOrderStatusCAS(ctx, order.RefCode, order.Status, failed, "stk push failed: "+err.Error()); casErr != nil {
			s.logger.Error("mark stk init failure", zap.Error(casErr), zap.String("refCode", order.RefCode))
		}
		return nil, fmt.Errorf("%w: initiate stk push: %s", ErrGatewayUnavailable, err.Error())
	}

	if err := s.repo.SetOrderGatewayRef(ctx, order.RefCode, checkoutID); err != nil {
		return nil, err
	}
	if _, err := s.repo.UpdateOrderStatusCAS(ctx, order.RefCode, order.Status, model.OrderStatusPendingSTK, "stk push initiated"); err != nil {
		return nil, err
	}
	order.GatewayRef = checkoutID
	order.Status = model.OrderStatusPendingSTK

	return &CheckoutResult{Order: order}, nil
}

func (s *Service) checkoutCrypto(ctx context.Context, in CheckoutInput, product *model.Product) (*CheckoutResult, error) {
	if s.crypto == nil {
		return nil, fmt.Errorf("%w: crypto gateway not configured", ErrUnsupportedPaymentMethod)
	}

	order := &model.Order{
		RefCode:       generateRefCode(),
		Item:          product.ID,
		AmountCents:   product.PriceCents,
		Status:        model.OrderStatusPending,
		Email:         in.Email,
		PaymentMethod: model.PaymentMethodCrypto,
		Notes:         "awaiting crypto payment",
	}

	id, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	order.ID = id

	payment, err := s.crypto.CreatePayment(ctx, nowpayments.CreatePaymentRequest{
		PriceAmount:   float64(order.AmountCents) / 100,
		PriceCurrency: "kes",
		PayCurrency:   in.PayCurrency,
		OrderID:       order.RefCode,
	})
	if err != nil {
		failed := model.FailedTag(model.ProviderNowPayments, "init")
		if _, casErr := s.repo.UpdateOrderStatusCAS(ctx, order.RefCode, order.Status, failed, "crypto payment creation failed: "+err.Error()); casErr != nil {
			s.logger.Error("mark crypto init failure", zap.Error(casErr), zap.String("refCode", order.RefCode))
		}
		return nil, fmt.Errorf("%w: create crypto payment: %s", ErrGatewayUnavailable, err.Error())
	}

	if err := s.repo.SetOrderGatewayRef(ctx, order.RefCode, strconv.FormatInt(payment.PaymentID, 10)); err != nil {
		return nil, err
	}
	if _, err := s.repo.UpdateOrderStatusCAS(ctx, order.RefCode, order.Status, model.OrderStatusWaitingNowPayments, "crypto payment created"); err != nil {
		return nil, err
	}
	order.GatewayRef = strconv.FormatInt(payment.PaymentID, 10)
	order.Status = model.OrderStatusWaitingNowPayments

	return &CheckoutResult{
		Order:       order,
		PayAddress:  payment.PayAddress,
		PayAmount:   payment.PayAmount,
		PayCurrency: payment.PayCurrency,
	}, nil
}

// Reconcile applies one payment-status signal to the order identified by
// refCode. The conditional status write serializes concurrent signals per
// ref code: of two racing callers exactly one observes transitioned=true and
// dispatches the notification; the other sees the already-updated state.
func (s *Service) Reconcile(ctx context.Context, refCode string, sig reconcile.Signal) (*model.Order, bool, error) {
	order, err := s.repo.GetOrderByRefCode(ctx, refCode)
	if err != nil {
		return nil, false, err
	}

	newStatus, transitioned, err := reconcile.Decide(order.Status, sig)
	if err != nil {
		return nil, false, err
	}
	if !transitioned {
		return order, false, nil
	}

	ok, err := s.repo.UpdateOrderStatusCAS(ctx, refCode, order.Status, newStatus, sig.Note())
	if err != nil {
		// The order keeps its pre-transition state; the signal is safely
		// retryable by the caller.
		return nil, false, err
	}
	if !ok {
		// A concurrent signal transitioned the order first.
		current, err := s.repo.GetOrderByRefCode(ctx, refCode)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	wasConfirmed := model.InConfirmedFamily(order.Status)
	order.Status = newStatus
	order.Notes = sig.Note()

	if !wasConfirmed && model.InConfirmedFamily(newStatus) {
		s.dispatchConfirmation(ctx, *order)
	}

	return order, true, nil
}

// dispatchConfirmation sends the confirmation email without blocking the
// reconciliation response. Failures are logged and swallowed.
func (s *Service) dispatchConfirmation(ctx context.Context, order model.Order) {
	if s.notifier == nil || order.Email == "" || order.Downloaded {
		return
	}

	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		productName := "your purchase"
		if product, err := s.catalog.GetByID(ctx, order.Item); err == nil {
			productName = product.Name
		}

		if err := s.notifier.SendOrderConfirmed(ctx, order.Email, productName, order.RefCode, order.AmountCents); err != nil {
			s.logger.Warn("confirmation email failed",
				zap.Error(err),
				zap.String("refCode", order.RefCode),
			)
		}
	}()
}

// StatusResult is the outcome of a status poll. Download is non-nil when the
// order is confirmed and not yet downloaded.
type StatusResult struct {
	Order    *model.Order
	Download *DownloadGrant
}

// PollStatus returns the current state of an order. For orders still waiting
// on a gateway it asks the provider first and reconciles the answer, so a
// poll can confirm an order even if the webhook never arrived.
func (s *Service) PollStatus(ctx context.Context, refCode string) (*StatusResult, error) {
	order, err := s.repo.GetOrderByRefCode(ctx, refCode)
	if err != nil {
		return nil, err
	}

	if sig, ok := s.gatewaySignal(ctx, order); ok {
		updated, _, err := s.Reconcile(ctx, refCode, sig)
		if err == nil {
			order = updated
		} else if !errors.Is(err, reconcile.ErrInvalidSignal) {
			return nil, err
		}
	}

	result := &StatusResult{Order: order}

	if model.InConfirmedFamily(order.Status) && !order.Downloaded {
		grant, err := s.IssueDownloadToken(ctx, []int64{order.ID}, order.Email)
		if err != nil {
			s.logger.Error("issue download token on poll", zap.Error(err), zap.String("refCode", refCode))
		} else {
			result.Download = grant
		}
	}

	return result, nil
}

// gatewaySignal asks the order's provider for its current state. A gateway
// failure is logged and the stored status stands.
func (s *Service) gatewaySignal(ctx context.Context, order *model.Order) (reconcile.Signal, bool) {
	if order.GatewayRef == "" || model.InConfirmedFamily(order.Status) || model.InFailedFamily(order.Status) {
		return reconcile.Signal{}, false
	}

	switch order.PaymentMethod {
	case model.PaymentMethodCrypto:
		if s.crypto == nil {
			return reconcile.Signal{}, false
		}
		payment, _, _, err := s.crypto.GetPaymentStatus(ctx, order.GatewayRef)
		if err != nil {
			s.logger.Warn("crypto status query failed", zap.Error(err), zap.String("refCode", order.RefCode))
			return reconcile.Signal{}, false
		}
		if payment == nil {
			return reconcile.Signal{}, false
		}
		return reconcile.Signal{
			State:    payment.PaymentStatus,
			Provider: model.ProviderNowPayments,
			Source:   reconcile.SourcePoll,
		}, true

	case model.PaymentMethodMpesaSTK:
		if s.stk == nil {
			return reconcile.Signal{}, false
		}
		res, err := s.stk.STKQuery(ctx, order.GatewayRef)
		if err != nil {
			s.logger.Warn("stk status query failed", zap.Error(err), zap.String("refCode", order.RefCode))
			return reconcile.Signal{}, false
		}
		if res.ResultCode == "0" {
			return reconcile.Signal{
				State:    reconcile.StatePaid,
				Provider: model.ProviderSTK,
				Source:   reconcile.SourcePoll,
				Detail:   res.ResultDesc,
			}, true
		}
		return reconcile.Signal{
			State:    reconcile.StateFailed,
			Provider: model.ProviderSTK,
			Source:   reconcile.SourcePoll,
			Detail:   res.ResultDesc,
		}, true
	}

	return reconcile.Signal{}, false
}

type cryptoIPNPayload struct {
	PaymentID     int64   `json:"payment_id"`
	PaymentStatus string  `json:"payment_status"`
	OrderID       string  `json:"order_id"`
	ActuallyPaid  float64 `json:"actually_paid"`
	PayCurrency   string  `json:"pay_currency"`
}

// HandleCryptoIPN verifies and applies one NOWPayments webhook. A bad
// signature rejects the payload with zero state change.
func (s *Service) HandleCryptoIPN(ctx context.Context, body []byte, signature string) (*model.Order, bool, error) {
	if s.crypto == nil || !s.crypto.VerifyIPNSignature(signature, body) {
		return nil, false, ErrBadSignature
	}

	var payload cryptoIPNPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, fmt.Errorf("%w: %s", reconcile.ErrInvalidSignal, "malformed ipn body")
	}
	if payload.OrderID == "" {
		return nil, false, fmt.Errorf("%w: %s", reconcile.ErrInvalidSignal, "ipn missing order_id")
	}

	sig := reconcile.Signal{
		State:    payload.PaymentStatus,
		Provider: model.ProviderNowPayments,
		Source:   reconcile.SourceWebhook,
	}
	if payload.ActuallyPaid > 0 {
		sig.Detail = fmt.Sprintf("paid %g %s", payload.ActuallyPaid, payload.PayCurrency)
	}

	return s.Reconcile(ctx, payload.OrderID, sig)
}

// HandleSTKCallback applies one Daraja STK result posted to the callback URL.
func (s *Service) HandleSTKCallback(ctx context.Context, body []byte) (*model.Order, bool, error) {
	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", reconcile.ErrInvalidSignal, err.Error())
	}

	order, err := s.repo.GetOrderByGatewayRef(ctx, cb.CheckoutRequestID)
	if err != nil {
		return nil, false, err
	}

	sig := reconcile.Signal{
		Provider: model.ProviderSTK,
		Source:   reconcile.SourceWebhook,
		Detail:   cb.ResultDesc,
	}
	if cb.ResultCode == 0 {
		sig.State = reconcile.StatePaid
	} else {
		sig.State = reconcile.StateFailed
		sig.Detail = fmt.Sprintf("result %d: %s", cb.ResultCode, cb.ResultDesc)
	}

	return s.Reconcile(ctx, order.RefCode, sig)
}

// AdminSetStatus applies an admin override from the fixed allow-list.
func (s *Service) AdminSetStatus(ctx context.Context, refCode string, target string) (*model.Order, bool, error) {
	return s.Reconcile(ctx, refCode, reconcile.Signal{
		State:  target,
		Source: reconcile.SourceAdmin,
	})
}

// FileEntry describes one downloadable file in a grant manifest.
type FileEntry struct {
	OrderID int64
	RefCode string
	FileID  string
	Name    string
	Size    int64
}

// DownloadGrant is an issued download token together with its file manifest.
type DownloadGrant struct {
	Token     string
	ExpiresAt time.Time
	Files     []FileEntry
}

// IssueDownloadToken creates a single-use token unlocking the files of the
// given orders. Every order must be confirmed and not yet downloaded; one
// ineligible order rejects the whole batch.
func (s *Service) IssueDownloadToken(ctx context.Context, orderIDs []int64, email string) (*DownloadGrant, error) {
	if len(orderIDs) == 0 {
		return nil, fmt.Errorf("%w: empty order list", ErrOrderNotEligible)
	}

	orders, err := s.repo.GetOrdersByIDs(ctx, orderIDs)
	if err != nil {
		return nil, err
	}
	if len(orders) != len(orderIDs) {
		return nil, fmt.Errorf("issue token: %w", errOrderMissing(orderIDs, orders))
	}

	files := make([]FileEntry, 0, len(orders))
	for _, o := range orders {
		if !model.InConfirmedFamily(o.Status) {
			return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotEligible, o.RefCode, o.Status)
		}
		if o.Downloaded {
			return nil, fmt.Errorf("%w: order %s already downloaded", ErrOrderNotEligible, o.RefCode)
		}

		product, err := s.catalog.GetByID(ctx, o.Item)
		if err != nil {
			return nil, err
		}

		files = append(files, FileEntry{
			OrderID: o.ID,
			RefCode: o.RefCode,
			FileID:  product.FileID,
			Name:    product.Name,
			Size:    product.FileSize,
		})
	}

	token := &model.DownloadToken{
		Token:     newDownloadToken(),
		OrderIDs:  orderIDs,
		Email:     email,
		ExpiresAt: time.Now().Add(s.tokenTTL),
	}
	if err := s.repo.CreateDownloadToken(ctx, token); err != nil {
		return nil, err
	}

	return &DownloadGrant{
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
		Files:     files,
	}, nil
}

// ExerciseToken consumes a download token and returns the manifest it
// unlocks. Consumption is atomic: of two concurrent exercises exactly one
// succeeds, the other fails with the repository's already-used error.
func (s *Service) ExerciseToken(ctx context.Context, token string) (*DownloadGrant, error) {
	t, err := s.repo.ConsumeDownloadToken(ctx, token, time.Now())
	if err != nil {
		return nil, err
	}

	orders, err := s.repo.GetOrdersByIDs(ctx, t.OrderIDs)
	if err != nil {
		return nil, err
	}

	files := make([]FileEntry, 0, len(orders))
	for _, o := range orders {
		product, err := s.catalog.GetByID(ctx, o.Item)
		if err != nil {
			return nil, err
		}
		files = append(files, FileEntry{
			OrderID: o.ID,
			RefCode: o.RefCode,
			FileID:  product.FileID,
			Name:    product.Name,
			Size:    product.FileSize,
		})
	}

	return &DownloadGrant{
		Token:     t.Token,
		ExpiresAt: t.ExpiresAt,
		Files:     files,
	}, nil
}

// ManifestFile resolves one file of an already-exercised multi-order token.
// The token must have been consumed and must still be within its validity
// window; single-use applies to the exercise, not to each manifest entry.
func (s *Service) ManifestFile(ctx context.Context, token, fileID string) (*FileEntry, error) {
	t, err := s.repo.GetDownloadToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !t.Used {
		return nil, fmt.Errorf("%w: token not exercised", ErrOrderNotEligible)
	}
	if !t.ExpiresAt.After(time.Now()) {
		return nil, repository.ErrTokenExpired
	}

	orders, err := s.repo.GetOrdersByIDs(ctx, t.OrderIDs)
	if err != nil {
		return nil, err
	}

	for _, o := range orders {
		product, err := s.catalog.GetByID(ctx, o.Item)
		if err != nil {
			return nil, err
		}
		if product.FileID == fileID {
			return &FileEntry{
				OrderID: o.ID,
				RefCode: o.RefCode,
				FileID:  product.FileID,
				Name:    product.Name,
				Size:    product.FileSize,
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", filestore.ErrFileNotFound, fileID)
}

// OpenFile streams a stored bot file for a granted download.
func (s *Service) OpenFile(ctx context.Context, fileID string) (io.ReadCloser, int64, error) {
	return s.files.Open(ctx, fileID)
}

// ListProducts returns the active catalog for the storefront.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.catalog.ListActive(ctx)
}

// GetProductBySlug returns one storefront catalog entry.
func (s *Service) GetProductBySlug(ctx context.Context, slug string) (*model.Product, error) {
	return s.catalog.GetBySlug(ctx, slug)
}

// ListOrders returns orders for the admin back office.
func (s *Service) ListOrders(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListOrders(ctx, status, limit)
}

// CreateProduct adds a catalog entry and invalidates the catalog cache.
func (s *Service) CreateProduct(ctx context.Context, p *model.Product) (int64, error) {
	id, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return 0, err
	}
	p.ID = id
	s.catalog.Invalidate(ctx, p.ID, p.Slug)
	return id, nil
}

// UpdateProduct edits a catalog entry and invalidates the catalog cache.
func (s *Service) UpdateProduct(ctx context.Context, p *model.Product) error {
	if err := s.repo.UpdateProduct(ctx, p); err != nil {
		return err
	}
	s.catalog.Invalidate(ctx, p.ID, p.Slug)
	return nil
}

// AdminListProducts returns the whole catalog, inactive entries included.
func (s *Service) AdminListProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListProducts(ctx, false)
}

// CustomOrderInput carries one bespoke bot request.
type CustomOrderInput struct {
	Name        string
	Email       string
	Description string
	BudgetCents int64
}

// SubmitCustomOrder records a bespoke bot request and acknowledges it by
// email.
func (s *Service) SubmitCustomOrder(ctx context.Context, in CustomOrderInput) (*model.CustomOrder, error) {
	c := &model.CustomOrder{
		RefCode:     generateRefCode(),
		Name:        in.Name,
		Email:       in.Email,
		Description: in.Description,
		BudgetCents: in.BudgetCents,
		Status:      model.CustomOrderStatusNew,
	}

	id, err := s.repo.CreateCustomOrder(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id

	if s.notifier != nil && c.Email != "" {
		s.notifyWG.Add(1)
		go func() {
			defer s.notifyWG.Done()

			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()

			if err := s.notifier.SendCustomOrderReceived(ctx, c.Email, c.RefCode); err != nil {
				s.logger.Warn("custom order acknowledgement failed", zap.Error(err), zap.String("refCode", c.RefCode))
			}
		}()
	}

	return c, nil
}

// ListCustomOrders returns bespoke requests for the admin back office.
func (s *Service) ListCustomOrders(ctx context.Context, limit int) ([]model.CustomOrder, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListCustomOrders(ctx, limit)
}

// UpdateCustomOrderStatus moves a bespoke request to a new workflow stage.
func (s *Service) UpdateCustomOrderStatus(ctx context.Context, id int64, status model.CustomOrderStatus) error {
	switch status {
	case model.CustomOrderStatusNew, model.CustomOrderStatusQuoted, model.CustomOrderStatusPaid,
		model.CustomOrderStatusDelivered, model.CustomOrderStatusRejected:
	default:
		return fmt.Errorf("%w: custom order status %q", reconcile.ErrInvalidSignal, status)
	}
	return s.repo.UpdateCustomOrderStatus(ctx, id, status)
}

// StartStatusSweeps runs the background loop polling the crypto gateway for
// orders still awaiting settlement.
func (s *Service) StartStatusSweeps(ctx context.Context) {
	if s.crypto == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processSweepBatch(ctx)
			}
		}
	}()
}

func (s *Service) processSweepBatch(ctx context.Context) {
	orders, err := s.repo.GetOrdersForStatusSweep(ctx, 100)
	if err != nil {
		s.logger.Warn("status sweep query failed", zap.Error(err))
		return
	}

	for _, o := range orders {
		if o.GatewayRef == "" {
			continue
		}

		payment, statusCode, retryAfter, err := s.crypto.GetPaymentStatus(ctx, o.GatewayRef)
		if err != nil {
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if payment == nil {
			continue
		}

		_, _, err = s.Reconcile(ctx, o.RefCode, reconcile.Signal{
			State:    payment.PaymentStatus,
			Provider: model.ProviderNowPayments,
			Source:   reconcile.SourcePoll,
		})
		if err != nil && !errors.Is(err, reconcile.ErrInvalidSignal) {
			s.logger.Warn("sweep reconcile failed", zap.Error(err), zap.String("refCode", o.RefCode))
		}
	}
}

func errOrderMissing(want []int64, got []model.Order) error {
	have := make(map[int64]struct{}, len(got))
	for _, o := range got {
		have[o.ID] = struct{}{}
	}
	for _, id := range want {
		if _, ok := have[id]; !ok {
			return fmt.Errorf("%w: id %d", repository.ErrOrderNotFound, id)
		}
	}
	return repository.ErrOrderNotFound
}

// generateRefCode builds a 10-character order reference: a "B" prefix plus
// nine hex characters from a fresh UUID.
func generateRefCode() string {
	u := uuid.New()
	return "B" + strings.ToUpper(hex.EncodeToString(u[:]))[:9]
}

// newDownloadToken returns a 43-character URL-safe random token.
func newDownloadToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a UUID
		// pair rather than panic in a request path.
		return uuid.NewString() + uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
