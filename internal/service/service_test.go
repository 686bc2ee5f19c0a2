package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jkirwa/botstore-system/internal/gateway/mpesa"
	"github.com/jkirwa/botstore-system/internal/gateway/nowpayments"
	"github.com/jkirwa/botstore-system/internal/model"
	"github.com/jkirwa/botstore-system/internal/reconcile"
	"github.com/jkirwa/botstore-system/internal/repository"
)

type stubRepo struct {
	mu sync.Mutex

	orders map[string]*model.Order
	tokens map[string]*model.DownloadToken

	casCalls    int
	casForced   *bool // when set, UpdateOrderStatusCAS returns this instead of applying
	createCalls int
	tokenCalls  int
	getCalls    int
}

func newStubRepo(orders ...*model.Order) *stubRepo {
	r := &stubRepo{
		orders: make(map[string]*model.Order),
		tokens: make(map[string]*model.DownloadToken),
	}
	for _, o := range orders {
		r.orders[o.RefCode] = o
	}
	return r
}

func (r *stubRepo) Close() error { return nil }

func (r *stubRepo) CreateOrder(_ context.Context, o *model.Order) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	o.ID = int64(len(r.orders) + 1)
	r.orders[o.RefCode] = o
	return o.ID, nil
}

func (r *stubRepo) GetOrderByRefCode(_ context.Context, refCode string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	o, ok := r.orders[refCode]
	if !ok {
		return nil, errors.New("order not found")
	}
	cp := *o
	return &cp, nil
}

func (r *stubRepo) GetOrderByGatewayRef(_ context.Context, gatewayRef string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.GatewayRef == gatewayRef {
			cp := *o
			return &cp, nil
		}
	}
	return nil, errors.New("order not found")
}

func (r *stubRepo) GetOrdersByIDs(_ context.Context, ids []int64) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, id := range ids {
		for _, o := range r.orders {
			if o.ID == id {
				out = append(out, *o)
			}
		}
	}
	return out, nil
}

func (r *stubRepo) ListOrders(_ context.Context, status model.OrderStatus, _ int) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, o := range r.orders {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (r *stubRepo) UpdateOrderStatusCAS(_ context.Context, refCode string, from, to model.OrderStatus, note string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.casCalls++
	if r.casForced != nil {
		return *r.casForced, nil
	}
	o, ok := r.orders[refCode]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.Notes = note
	return true, nil
}

func (r *stubRepo) SetOrderGatewayRef(_ context.Context, refCode, gatewayRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[refCode]
	if !ok {
		return errors.New("order not found")
	}
	o.GatewayRef = gatewayRef
	return nil
}

func (r *stubRepo) GetOrdersForStatusSweep(_ context.Context, _ int) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, o := range r.orders {
		if o.Status == model.OrderStatusWaitingNowPayments || o.Status == model.OrderStatusPartialNowPayments {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (r *stubRepo) CreateDownloadToken(_ context.Context, t *model.DownloadToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenCalls++
	r.tokens[t.Token] = t
	return nil
}

func (r *stubRepo) GetDownloadToken(_ context.Context, token string) (*model.DownloadToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *stubRepo) ConsumeDownloadToken(_ context.Context, token string, now time.Time) (*model.DownloadToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	if t.Used {
		return nil, repository.ErrTokenAlreadyUsed
	}
	if !t.ExpiresAt.After(now) {
		return nil, repository.ErrTokenExpired
	}
	for _, id := range t.OrderIDs {
		for _, o := range r.orders {
			if o.ID == id && o.Downloaded {
				return nil, repository.ErrOrderDownloaded
			}
		}
	}
	t.Used = true
	for _, id := range t.OrderIDs {
		for _, o := range r.orders {
			if o.ID == id {
				o.Downloaded = true
			}
		}
	}
	cp := *t
	return &cp, nil
}

func (r *stubRepo) CreateProduct(_ context.Context, p *model.Product) (int64, error) { return 1, nil }
func (r *stubRepo) UpdateProduct(_ context.Context, _ *model.Product) error          { return nil }

func (r *stubRepo) ListProducts(_ context.Context, _ bool) ([]model.Product, error) {
	return nil, nil
}

func (r *stubRepo) CreateCustomOrder(_ context.Context, c *model.CustomOrder) (int64, error) {
	return 7, nil
}

func (r *stubRepo) ListCustomOrders(_ context.Context, _ int) ([]model.CustomOrder, error) {
	return nil, nil
}

func (r *stubRepo) UpdateCustomOrderStatus(_ context.Context, _ int64, _ model.CustomOrderStatus) error {
	return nil
}

type stubCatalog struct {
	products map[int64]*model.Product
}

func (c *stubCatalog) ListActive(_ context.Context) ([]model.Product, error) {
	var out []model.Product
	for _, p := range c.products {
		if p.Active {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (c *stubCatalog) GetByID(_ context.Context, id int64) (*model.Product, error) {
	p, ok := c.products[id]
	if !ok {
		return nil, errors.New("product not found")
	}
	return p, nil
}

func (c *stubCatalog) GetBySlug(_ context.Context, slug string) (*model.Product, error) {
	for _, p := range c.products {
		if p.Slug == slug {
			return p, nil
		}
	}
	return nil, errors.New("product not found")
}

func (c *stubCatalog) Invalidate(_ context.Context, _ int64, _ string) {}

type stubCrypto struct {
	payment   *nowpayments.Payment
	createErr error
	statusErr error
	signature string
}

func (c *stubCrypto) CreatePayment(_ context.Context, _ nowpayments.CreatePaymentRequest) (*nowpayments.Payment, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	return c.payment, nil
}

func (c *stubCrypto) GetPaymentStatus(_ context.Context, _ string) (*nowpayments.Payment, int, time.Duration, error) {
	if c.statusErr != nil {
		return nil, 0, 0, c.statusErr
	}
	return c.payment, 200, 0, nil
}

func (c *stubCrypto) VerifyIPNSignature(signature string, _ []byte) bool {
	return signature == c.signature
}

type stubSTK struct {
	checkoutID string
	pushErr    error
	query      *mpesa.QueryResult
}

func (s *stubSTK) STKPush(_ context.Context, _ string, _ int64, _ string) (string, error) {
	if s.pushErr != nil {
		return "", s.pushErr
	}
	return s.checkoutID, nil
}

func (s *stubSTK) STKQuery(_ context.Context, _ string) (*mpesa.QueryResult, error) {
	return s.query, nil
}

type stubNotifier struct {
	mu        sync.Mutex
	confirmed []string
	custom    []string
	err       error
}

func (n *stubNotifier) SendOrderConfirmed(_ context.Context, to, _, refCode string, _ int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.confirmed = append(n.confirmed, refCode)
	return nil
}

func (n *stubNotifier) SendCustomOrderReceived(_ context.Context, _, refCode string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.custom = append(n.custom, refCode)
	return nil
}

func (n *stubNotifier) confirmedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.confirmed)
}

func testCatalog() *stubCatalog {
	return &stubCatalog{products: map[int64]*model.Product{
		1: {ID: 1, Name: "Scalper v2", Slug: "scalper-v2", PriceCents: 150000, FileID: "scalper_v2.zip", FileSize: 2048, Active: true},
		2: {ID: 2, Name: "Retired bot", Slug: "retired", PriceCents: 90000, Active: false},
		3: {ID: 3, Name: "Swing bot", Slug: "swing-bot", PriceCents: 99950, FileID: "swing_bot.zip", FileSize: 1024, Active: true},
	}}
}

func newTestService(repo *stubRepo, crypto CryptoGateway, stk STKGateway, notifier Notifier) *Service {
	return NewService(repo, testCatalog(), crypto, stk, notifier, nil, zap.NewNop(), 24*time.Hour)
}

func TestCheckout_RejectsAmountMismatch(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, nil, nil, nil)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		ItemID:      1,
		Method:      model.PaymentMethodMpesaManual,
		AmountCents: 100,
		RefCode:     "QGH7K2M9XP",
	})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("err = %v, want ErrAmountMismatch", err)
	}
	if repo.createCalls != 0 {
		t.Fatalf("order was created despite amount mismatch")
	}
}

func TestCheckout_RejectsInactiveProduct(t *testing.T) {
	svc := newTestService(newStubRepo(), nil, nil, nil)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		ItemID:      2,
		Method:      model.PaymentMethodMpesaManual,
		AmountCents: 90000,
		RefCode:     "QGH7K2M9XP",
	})
	if !errors.Is(err, ErrProductUnavailable) {
		t.Fatalf("err = %v, want ErrProductUnavailable", err)
	}
}

func TestCheckout_Manual(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, nil, nil, nil)

	res, err := svc.Checkout(context.Background(), CheckoutInput{
		ItemID:      1,
		Method:      model.PaymentMethodMpesaManual,
		Email:       "buyer@example.com",
		AmountCents: 150000,
		RefCode:     "QGH7K2M9XP",
	})
	if err != nil {
		t.Fatalf("Checkout error: %v", err)
	}
	if res.Order.Status != model.OrderStatusPending {
		t.Fatalf("status = %s, want pending", res.Order.Status)
	}
	if res.Order.RefCode != "QGH7K2M9XP" {
		t.Fatalf("refCode = %s, want the submitted receipt", res.Order.RefCode)
	}
}

func TestCheckout_Crypto(t *testing.T) {
	repo := newStubRepo()
	crypto := &stubCrypto{payment: &nowpayments.Payment{
		PaymentID:   5077125000,
		PayAddress:  "TNDFkUxA7XWzfQ1XvQ9G",
		PayAmount:   0.0042,
		PayCurrency: "btc",
	}}
	svc := newTestService(repo, crypto, nil, nil)

	res, err := svc.Checkout(context.Background(), CheckoutInput{
		ItemID:      1,
		Method:      model.PaymentMethodCrypto,
		Email:       "buyer@example.com",
		AmountCents: 150000,
		PayCurrency: "btc",
	})
	if err != nil {
		t.Fatalf("Checkout error: %v", err)
	}
	if res.Order.Status != model.OrderStatusWaitingNowPayments {
		t.Fatalf("status = %s, want waiting_nowpayments", res.Order.Status)
	}
	if res.Order.GatewayRef != "5077125000" {
		t.Fatalf("gatewayRef = %s, want 5077125000", res.Order.GatewayRef)
	}
	if res.PayAddress == "" || res.PayAmount == 0 {
		t.Fatalf("missing payment instructions: %+v", res)
	}
}

func TestCheckout_STKPushFailureMarksOrderFailed(t *testing.T) {
	repo := newStubRepo()
	stk := &stubSTK{pushErr: errors.New("daraja unavailable")}
	svc := newTestService(repo, nil, stk, nil)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		ItemID:      1,
		Method:      model.PaymentMethodMpesaSTK,
		Phone:       "254712345678",
		AmountCents: 150000,
	})
	if err == nil {
		t.Fatal("expected push failure to surface")
	}

	orders, _ := repo.ListOrders(context.Background(), "", 10)
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if want := model.FailedTag(model.ProviderSTK, "init"); orders[0].Status != want {
		t.Fatalf("status = %s, want %s", orders[0].Status, want)
	}
}

func TestReconcile_FinishedConfirmsAndNotifiesOnce(t *testing.T) {
	order := &model.Order{
		ID: 1, RefCode: "BAB12CD34E", Item: 1, AmountCents: 150000,
		Status: model.OrderStatusWaitingNowPayments, Email: "buyer@example.com",
		PaymentMethod: model.PaymentMethodCrypto,
	}
	repo := newStubRepo(order)
	notifier := &stubNotifier{}
	svc := newTestService(repo, nil, nil, notifier)

	sig := reconcile.Signal{State: reconcile.StateFinished, Provider: model.ProviderNowPayments, Source: reconcile.SourceWebhook}

	updated, transitioned, err := svc.Reconcile(context.Background(), "BAB12CD34E", sig)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if !transitioned {
		t.Fatal("expected a transition")
	}
	if updated.Status != model.OrderStatusConfirmedNowPayments {
		t.Fatalf("status = %s, want confirmed_nowpayments", updated.Status)
	}

	// Replaying the same signal must be a no-op and must not notify again.
	_, transitioned, err = svc.Reconcile(context.Background(), "BAB12CD34E", sig)
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if transitioned {
		t.Fatal("replay must not transition")
	}

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := notifier.confirmedCount(); got != 1 {
		t.Fatalf("notifications = %d, want exactly 1", got)
	}
}

func TestReconcile_CASLossDoesNotNotify(t *testing.T) {
	order := &model.Order{
		ID: 1, RefCode: "BAB12CD34E", Item: 1,
		Status: model.OrderStatusWaitingNowPayments, Email: "buyer@example.com",
	}
	repo := newStubRepo(order)
	lost := false
	repo.casForced = &lost
	notifier := &stubNotifier{}
	svc := newTestService(repo, nil, nil, notifier)

	_, transitioned, err := svc.Reconcile(context.Background(), "BAB12CD34E", reconcile.Signal{
		State: reconcile.StateFinished, Provider: model.ProviderNowPayments, Source: reconcile.SourcePoll,
	})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if transitioned {
		t.Fatal("losing the conditional update must not report a transition")
	}

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := notifier.confirmedCount(); got != 0 {
		t.Fatalf("notifications = %d, want 0", got)
	}
}

func TestReconcile_InvalidSignalLeavesOrderUntouched(t *testing.T) {
	order := &model.Order{ID: 1, RefCode: "BAB12CD34E", Status: model.OrderStatusPending}
	repo := newStubRepo(order)
	svc := newTestService(repo, nil, nil, nil)

	_, _, err := svc.Reconcile(context.Background(), "BAB12CD34E", reconcile.Signal{
		State: "definitely_not_a_state", Provider: model.ProviderNowPayments, Source: reconcile.SourceWebhook,
	})
	if !errors.Is(err, reconcile.ErrInvalidSignal) {
		t.Fatalf("err = %v, want ErrInvalidSignal", err)
	}
	if repo.casCalls != 0 {
		t.Fatal("invalid signal must not reach the status update")
	}
}

func TestHandleCryptoIPN_BadSignature(t *testing.T) {
	repo := newStubRepo(&model.Order{ID: 1, RefCode: "BAB12CD34E", Status: model.OrderStatusWaitingNowPayments})
	crypto := &stubCrypto{signature: "good"}
	svc := newTestService(repo, crypto, nil, nil)

	_, _, err := svc.HandleCryptoIPN(context.Background(), []byte(`{"order_id":"BAB12CD34E","payment_status":"finished"}`), "bad")
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
	if repo.getCalls != 0 || repo.casCalls != 0 {
		t.Fatal("rejected webhook must cause zero state reads or writes")
	}
}

func TestHandleCryptoIPN_Finished(t *testing.T) {
	repo := newStubRepo(&model.Order{
		ID: 1, RefCode: "BAB12CD34E", Item: 1, Status: model.OrderStatusWaitingNowPayments,
	})
	crypto := &stubCrypto{signature: "good"}
	svc := newTestService(repo, crypto, nil, nil)

	body := []byte(`{"order_id":"BAB12CD34E","payment_status":"finished","actually_paid":0.0042,"pay_currency":"btc"}`)
	order, transitioned, err := svc.HandleCryptoIPN(context.Background(), body, "good")
	if err != nil {
		t.Fatalf("HandleCryptoIPN error: %v", err)
	}
	if !transitioned || order.Status != model.OrderStatusConfirmedNowPayments {
		t.Fatalf("transitioned=%v status=%s", transitioned, order.Status)
	}
}

func TestHandleSTKCallback(t *testing.T) {
	repo := newStubRepo(&model.Order{
		ID: 1, RefCode: "BAB12CD34E", Item: 1, Status: model.OrderStatusPendingSTK,
		GatewayRef: "ws_CO_260520211133524545", PaymentMethod: model.PaymentMethodMpesaSTK,
	})
	svc := newTestService(repo, nil, &stubSTK{}, nil)

	body := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"29115","CheckoutRequestID":"ws_CO_260520211133524545","ResultCode":0,"ResultDesc":"The service request is processed successfully."}}}`)
	order, transitioned, err := svc.HandleSTKCallback(context.Background(), body)
	if err != nil {
		t.Fatalf("HandleSTKCallback error: %v", err)
	}
	if !transitioned || order.Status != model.OrderStatusConfirmedServerSTK {
		t.Fatalf("transitioned=%v status=%s", transitioned, order.Status)
	}
}

func TestHandleSTKCallback_Cancelled(t *testing.T) {
	repo := newStubRepo(&model.Order{
		ID: 1, RefCode: "BAB12CD34E", Item: 1, Status: model.OrderStatusPendingSTK,
		GatewayRef: "ws_CO_260520211133524545", PaymentMethod: model.PaymentMethodMpesaSTK,
	})
	svc := newTestService(repo, nil, &stubSTK{}, nil)

	body := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_260520211133524545","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)
	order, transitioned, err := svc.HandleSTKCallback(context.Background(), body)
	if err != nil {
		t.Fatalf("HandleSTKCallback error: %v", err)
	}
	if !transitioned {
		t.Fatal("expected a transition to the failed family")
	}
	if !model.InFailedFamily(order.Status) {
		t.Fatalf("status = %s, want failed family", order.Status)
	}
}

func TestPollStatus_ConfirmsViaGateway(t *testing.T) {
	repo := newStubRepo(&model.Order{
		ID: 1, RefCode: "BAB12CD34E", Item: 1, Email: "buyer@example.com",
		Status: model.OrderStatusWaitingNowPayments, GatewayRef: "5077125000",
		PaymentMethod: model.PaymentMethodCrypto,
	})
	crypto := &stubCrypto{payment: &nowpayments.Payment{PaymentID: 5077125000, PaymentStatus: "finished"}}
	svc := newTestService(repo, crypto, nil, nil)

	res, err := svc.PollStatus(context.Background(), "BAB12CD34E")
	if err != nil {
		t.Fatalf("PollStatus error: %v", err)
	}
	if res.Order.Status != model.OrderStatusConfirmedNowPayments {
		t.Fatalf("status = %s, want confirmed_nowpayments", res.Order.Status)
	}
	if res.Download == nil || res.Download.Token == "" {
		t.Fatal("confirmed undownloaded order must come with a download grant")
	}
	if len(res.Download.Files) != 1 || res.Download.Files[0].FileID != "scalper_v2.zip" {
		t.Fatalf("unexpected manifest: %+v", res.Download.Files)
	}
}

func TestPollStatus_GatewayDownKeepsStoredStatus(t *testing.T) {
	repo := newStubRepo(&model.Order{
		ID: 1, RefCode: "BAB12CD34E", Item: 1,
		Status: model.OrderStatusWaitingNowPayments, GatewayRef: "5077125000",
		PaymentMethod: model.PaymentMethodCrypto,
	})
	crypto := &stubCrypto{statusErr: errors.New("gateway down")}
	svc := newTestService(repo, crypto, nil, nil)

	res, err := svc.PollStatus(context.Background(), "BAB12CD34E")
	if err != nil {
		t.Fatalf("PollStatus error: %v", err)
	}
	if res.Order.Status != model.OrderStatusWaitingNowPayments {
		t.Fatalf("status = %s, want stored waiting_nowpayments", res.Order.Status)
	}
}

func TestAdminSetStatus(t *testing.T) {
	cases := []struct {
		name       string
		target     string
		wantErr    bool
		wantStatus model.OrderStatus
	}{
		{name: "confirm", target: "confirmed", wantStatus: model.OrderStatusConfirmed},
		{name: "no payment", target: "no payment", wantStatus: model.OrderStatusNoPayment},
		{name: "outside allow-list", target: "waiting_nowpayments", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newStubRepo(&model.Order{ID: 1, RefCode: "BAB12CD34E", Item: 1, Status: model.OrderStatusPending})
			svc := newTestService(repo, nil, nil, nil)

			order, _, err := svc.AdminSetStatus(context.Background(), "BAB12CD34E", tc.target)
			if tc.wantErr {
				if !errors.Is(err, reconcile.ErrInvalidSignal) {
					t.Fatalf("err = %v, want ErrInvalidSignal", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AdminSetStatus error: %v", err)
			}
			if order.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", order.Status, tc.wantStatus)
			}
		})
	}
}

func TestIssueDownloadToken_AllOrNothing(t *testing.T) {
	confirmed := &model.Order{ID: 1, RefCode: "BAB12CD34E", Item: 1, Status: model.OrderStatusConfirmed}
	pending := &model.Order{ID: 2, RefCode: "BXY98ZW76V", Item: 1, Status: model.OrderStatusPending}
	repo := newStubRepo(confirmed, pending)
	svc := newTestService(repo, nil, nil, nil)

	_, err := svc.IssueDownloadToken(context.Background(), []int64{1, 2}, "buyer@example.com")
	if !errors.Is(err, ErrOrderNotEligible) {
		t.Fatalf("err = %v, want ErrOrderNotEligible", err)
	}
	if repo.tokenCalls != 0 {
		t.Fatal("no token may be created when any order is ineligible")
	}
}

func TestIssueDownloadToken_RejectsDownloadedOrder(t *testing.T) {
	repo := newStubRepo(&model.Order{ID: 1, RefCode: "BAB12CD34E", Item: 1, Status: model.OrderStatusConfirmed, Downloaded: true})
	svc := newTestService(repo, nil, nil, nil)

	_, err := svc.IssueDownloadToken(context.Background(), []int64{1}, "buyer@example.com")
	if !errors.Is(err, ErrOrderNotEligible) {
		t.Fatalf("err = %v, want ErrOrderNotEligible", err)
	}
}

func TestExerciseToken_SingleUse(t *testing.T) {
	repo := newStubRepo(&model.Order{ID: 1, RefCode: "BAB12CD34E", Item: 1, Status: model.OrderStatusConfirmed})
	svc := newTestService(repo, nil, nil, nil)

	grant, err := svc.IssueDownloadToken(context.Background(), []int64{1}, "buyer@example.com")
	if err != nil {
		t.Fatalf("IssueDownloadToken error: %v", err)
	}

	first, err := svc.ExerciseToken(context.Background(), grant.Token)
	if err != nil {
		t.Fatalf("first exercise error: %v", err)
	}
	if len(first.Files) != 1 || first.Files[0].FileID != "scalper_v2.zip" {
		t.Fatalf("unexpected manifest: %+v", first.Files)
	}

	if _, err := svc.ExerciseToken(context.Background(), grant.Token); err == nil {
		t.Fatal("second exercise must fail")
	}

	order, err := repo.GetOrderByRefCode(context.Background(), "BAB12CD34E")
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if !order.Downloaded {
		t.Fatal("exercising the token must mark the order downloaded")
	}
}

func TestExerciseToken_SiblingTokenDiesAfterDownload(t *testing.T) {
	repo := newStubRepo(&model.Order{ID: 1, RefCode: "BAB12CD34E", Item: 1, Status: model.OrderStatusConfirmed})
	svc := newTestService(repo, nil, nil, nil)

	// Two polls of the same confirmed order mint two tokens.
	first, err := svc.IssueDownloadToken(context.Background(), []int64{1}, "buyer@example.com")
	if err != nil {
		t.Fatalf("issue first token: %v", err)
	}
	second, err := svc.IssueDownloadToken(context.Background(), []int64{1}, "buyer@example.com")
	if err != nil {
		t.Fatalf("issue second token: %v", err)
	}

	if _, err := svc.ExerciseToken(context.Background(), first.Token); err != nil {
		t.Fatalf("first exercise error: %v", err)
	}

	// The order is downloaded now; the unused sibling must not unlock it again.
	_, err = svc.ExerciseToken(context.Background(), second.Token)
	if !errors.Is(err, repository.ErrOrderDownloaded) {
		t.Fatalf("err = %v, want ErrOrderDownloaded", err)
	}
}

func TestExerciseToken_Expired(t *testing.T) {
	repo := newStubRepo(&model.Order{ID: 1, RefCode: "BAB12CD34E", Item: 1, Status: model.OrderStatusConfirmed})
	svc := newTestService(repo, nil, nil, nil)

	stale := &model.DownloadToken{
		Token:     newDownloadToken(),
		OrderIDs:  []int64{1},
		Email:     "buyer@example.com",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := repo.CreateDownloadToken(context.Background(), stale); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	_, err := svc.ExerciseToken(context.Background(), stale.Token)
	if !errors.Is(err, repository.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}

	order, err := repo.GetOrderByRefCode(context.Background(), "BAB12CD34E")
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if order.Downloaded {
		t.Fatal("an expired token must not mark the order downloaded")
	}
}

func TestExerciseToken_ConcurrentSingleWinner(t *testing.T) {
	repo := newStubRepo(&model.Order{ID: 1, RefCode: "BAB12CD34E", Item: 1, Status: model.OrderStatusConfirmed})
	svc := newTestService(repo, nil, nil, nil)

	grant, err := svc.IssueDownloadToken(context.Background(), []int64{1}, "buyer@example.com")
	if err != nil {
		t.Fatalf("IssueDownloadToken error: %v", err)
	}

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ExerciseToken(context.Background(), grant.Token)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, repository.ErrTokenAlreadyUsed):
			lost++
		default:
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("winners = %d, want exactly 1", won)
	}
	if lost != attempts-1 {
		t.Fatalf("losers = %d, want %d", lost, attempts-1)
	}
}

func TestCheckout_RejectsSubShillingPriceOnSTK(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, nil, &stubSTK{checkoutID: "ws_CO_260520211133524545"}, nil)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		ItemID:      3,
		Method:      model.PaymentMethodMpesaSTK,
		Phone:       "254712345678",
		AmountCents: 99950,
	})
	if !errors.Is(err, ErrUnsupportedPaymentMethod) {
		t.Fatalf("err = %v, want ErrUnsupportedPaymentMethod", err)
	}
	if repo.createCalls != 0 {
		t.Fatal("sub-shilling stk checkout must not create an order")
	}
}

func TestSubmitCustomOrder(t *testing.T) {
	repo := newStubRepo()
	notifier := &stubNotifier{}
	svc := newTestService(repo, nil, nil, notifier)

	c, err := svc.SubmitCustomOrder(context.Background(), CustomOrderInput{
		Name:        "Jane",
		Email:       "jane@example.com",
		Description: "grid bot for EURUSD",
		BudgetCents: 500000,
	})
	if err != nil {
		t.Fatalf("SubmitCustomOrder error: %v", err)
	}
	if c.Status != model.CustomOrderStatusNew {
		t.Fatalf("status = %s, want new", c.Status)
	}
	if c.RefCode == "" {
		t.Fatal("custom order must get a ref code")
	}

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.custom) != 1 {
		t.Fatalf("acknowledgements = %d, want 1", len(notifier.custom))
	}
}

func TestGenerateRefCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code := generateRefCode()
		if len(code) != 10 {
			t.Fatalf("len(%q) = %d, want 10", code, len(code))
		}
		for _, r := range code {
			if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				t.Fatalf("ref code %q contains %q", code, r)
			}
		}
		if seen[code] {
			t.Fatalf("duplicate ref code %q", code)
		}
		seen[code] = true
	}
}

func TestProcessSweepBatch(t *testing.T) {
	repo := newStubRepo(&model.Order{
		ID: 1, RefCode: "BAB12CD34E", Item: 1,
		Status: model.OrderStatusWaitingNowPayments, GatewayRef: "5077125000",
		PaymentMethod: model.PaymentMethodCrypto,
	})
	crypto := &stubCrypto{payment: &nowpayments.Payment{PaymentID: 5077125000, PaymentStatus: "finished"}}
	svc := newTestService(repo, crypto, nil, nil)

	svc.processSweepBatch(context.Background())

	order, err := repo.GetOrderByRefCode(context.Background(), "BAB12CD34E")
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if order.Status != model.OrderStatusConfirmedNowPayments {
		t.Fatalf("status = %s, want confirmed_nowpayments", order.Status)
	}
}

func TestNewDownloadToken(t *testing.T) {
	a, b := newDownloadToken(), newDownloadToken()
	if a == b {
		t.Fatal("tokens must be unique")
	}
	if len(a) != 43 {
		t.Fatalf("len = %d, want 43", len(a))
	}
	if strings.ContainsAny(a, "+/=") {
		t.Fatalf("token %q is not URL-safe", a)
	}
}
