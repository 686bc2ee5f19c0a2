package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jkirwa/botstore-system/internal/middleware"
	"github.com/jkirwa/botstore-system/internal/model"
	"github.com/jkirwa/botstore-system/internal/repository"
	"github.com/jkirwa/botstore-system/internal/service"
)

type stubService struct {
	checkoutRes  *service.CheckoutResult
	checkoutErr  error
	checkoutIn   *service.CheckoutInput
	statusRes    *service.StatusResult
	statusErr    error
	ipnErr       error
	ipnCalled    bool
	stkErr       error
	grant        *service.DownloadGrant
	grantErr     error
	exercised    *service.DownloadGrant
	exerciseErr  error
	fileContent  string
	products     []model.Product
	orders       []model.Order
	customOrders []model.CustomOrder
}

func (s *stubService) Checkout(_ context.Context, in service.CheckoutInput) (*service.CheckoutResult, error) {
	s.checkoutIn = &in
	if s.checkoutErr != nil {
		return nil, s.checkoutErr
	}
	return s.checkoutRes, nil
}

func (s *stubService) PollStatus(_ context.Context, _ string) (*service.StatusResult, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return s.statusRes, nil
}

func (s *stubService) HandleCryptoIPN(_ context.Context, _ []byte, _ string) (*model.Order, bool, error) {
	if s.ipnErr != nil {
		return nil, false, s.ipnErr
	}
	s.ipnCalled = true
	return &model.Order{}, true, nil
}

func (s *stubService) HandleSTKCallback(_ context.Context, _ []byte) (*model.Order, bool, error) {
	if s.stkErr != nil {
		return nil, false, s.stkErr
	}
	return &model.Order{}, true, nil
}

func (s *stubService) AdminSetStatus(_ context.Context, refCode, target string) (*model.Order, bool, error) {
	return &model.Order{RefCode: refCode, Status: model.OrderStatus(target)}, true, nil
}

func (s *stubService) IssueDownloadToken(_ context.Context, _ []int64, _ string) (*service.DownloadGrant, error) {
	if s.grantErr != nil {
		return nil, s.grantErr
	}
	return s.grant, nil
}

func (s *stubService) ExerciseToken(_ context.Context, _ string) (*service.DownloadGrant, error) {
	if s.exerciseErr != nil {
		return nil, s.exerciseErr
	}
	return s.exercised, nil
}

func (s *stubService) ManifestFile(_ context.Context, _, fileID string) (*service.FileEntry, error) {
	if s.exerciseErr != nil {
		return nil, s.exerciseErr
	}
	for _, f := range s.exercised.Files {
		if f.FileID == fileID {
			return &f, nil
		}
	}
	return nil, repository.ErrTokenNotFound
}

func (s *stubService) OpenFile(_ context.Context, _ string) (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader(s.fileContent)), int64(len(s.fileContent)), nil
}

func (s *stubService) ListProducts(_ context.Context) ([]model.Product, error) {
	return s.products, nil
}

func (s *stubService) GetProductBySlug(_ context.Context, slug string) (*model.Product, error) {
	for i := range s.products {
		if s.products[i].Slug == slug {
			return &s.products[i], nil
		}
	}
	return nil, repository.ErrProductNotFound
}

func (s *stubService) ListOrders(_ context.Context, _ model.OrderStatus, _ int) ([]model.Order, error) {
	return s.orders, nil
}

func (s *stubService) CreateProduct(_ context.Context, _ *model.Product) (int64, error) {
	return 1, nil
}

func (s *stubService) UpdateProduct(_ context.Context, _ *model.Product) error { return nil }

func (s *stubService) AdminListProducts(_ context.Context) ([]model.Product, error) {
	return s.products, nil
}

func (s *stubService) SubmitCustomOrder(_ context.Context, in service.CustomOrderInput) (*model.CustomOrder, error) {
	return &model.CustomOrder{ID: 7, RefCode: "B123456789", Email: in.Email, Status: model.CustomOrderStatusNew}, nil
}

func (s *stubService) ListCustomOrders(_ context.Context, _ int) ([]model.CustomOrder, error) {
	return s.customOrders, nil
}

func (s *stubService) UpdateCustomOrderStatus(_ context.Context, _ int64, _ model.CustomOrderStatus) error {
	return nil
}

func newTestServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	auth := middleware.NewAdminAuth("test-secret")
	h := NewHandler(svc, zap.NewNop(), auth, "admin-pass")
	srv := httptest.NewServer(h.SetupRouter())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return res
}

func TestCreateOrder_RejectsBadManualRefCode(t *testing.T) {
	svc := &stubService{}
	srv := newTestServer(t, svc)

	res := postJSON(t, srv.URL+"/api/orders", map[string]any{
		"item":         1,
		"method":       "mpesa_manual",
		"email":        "buyer@example.com",
		"amount_cents": 150000,
		"ref_code":     "lowercase!!",
	})
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
	if svc.checkoutIn != nil {
		t.Fatal("service must not be called for a malformed ref code")
	}
}

func TestCreateOrder_Crypto(t *testing.T) {
	svc := &stubService{checkoutRes: &service.CheckoutResult{
		Order:       &model.Order{RefCode: "BAB12CD34E", Status: model.OrderStatusWaitingNowPayments},
		PayAddress:  "TNDFkUxA7XWzfQ1XvQ9G",
		PayAmount:   0.0042,
		PayCurrency: "btc",
	}}
	srv := newTestServer(t, svc)

	res := postJSON(t, srv.URL+"/api/orders", map[string]any{
		"item":         1,
		"method":       "crypto",
		"email":        "buyer@example.com",
		"amount_cents": 150000,
		"pay_currency": "btc",
	})
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var got checkoutResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RefCode != "BAB12CD34E" || got.PayAddress == "" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestCreateOrder_AmountMismatch(t *testing.T) {
	svc := &stubService{checkoutErr: service.ErrAmountMismatch}
	srv := newTestServer(t, svc)

	res := postJSON(t, srv.URL+"/api/orders", map[string]any{
		"item":         1,
		"method":       "crypto",
		"email":        "buyer@example.com",
		"amount_cents": 5,
		"pay_currency": "btc",
	})
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCryptoIPN_BadSignature(t *testing.T) {
	svc := &stubService{ipnErr: service.ErrBadSignature}
	srv := newTestServer(t, svc)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/ipn/nowpayments",
		strings.NewReader(`{"order_id":"BAB12CD34E","payment_status":"finished"}`))
	req.Header.Set("x-nowpayments-sig", "bogus")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetOrderStatus_WithDownload(t *testing.T) {
	expires := time.Now().Add(24 * time.Hour)
	svc := &stubService{statusRes: &service.StatusResult{
		Order: &model.Order{RefCode: "BAB12CD34E", Status: model.OrderStatusConfirmedNowPayments},
		Download: &service.DownloadGrant{
			Token:     "tok123",
			ExpiresAt: expires,
			Files:     []service.FileEntry{{FileID: "scalper_v2.zip", Name: "Scalper v2", Size: 2048}},
		},
	}}
	srv := newTestServer(t, svc)

	res, err := http.Get(srv.URL + "/api/orders/BAB12CD34E/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got orderStatusResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != string(model.OrderStatusConfirmedNowPayments) {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Download == nil || got.Download.Token != "tok123" {
		t.Fatalf("missing download grant: %+v", got)
	}
}

func TestGetOrderStatus_NotFound(t *testing.T) {
	svc := &stubService{statusErr: repository.ErrOrderNotFound}
	srv := newTestServer(t, svc)

	res, err := http.Get(srv.URL + "/api/orders/NOPE/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestExerciseDownload_SingleFileStreams(t *testing.T) {
	svc := &stubService{
		exercised: &service.DownloadGrant{
			Token: "tok123",
			Files: []service.FileEntry{{FileID: "scalper_v2.zip", Name: "Scalper v2", Size: 18}},
		},
		fileContent: "bot binary payload",
	}
	srv := newTestServer(t, svc)

	res, err := http.Get(srv.URL + "/api/downloads/tok123")
	if err != nil {
		t.Fatalf("get download: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if cd := res.Header.Get("Content-Disposition"); !strings.Contains(cd, "scalper_v2.zip") {
		t.Fatalf("content-disposition = %q", cd)
	}

	body, _ := io.ReadAll(res.Body)
	if string(body) != "bot binary payload" {
		t.Fatalf("body = %q", body)
	}
}

func TestExerciseDownload_TokenErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "already used", err: repository.ErrTokenAlreadyUsed, want: http.StatusConflict},
		{name: "order downloaded via sibling token", err: repository.ErrOrderDownloaded, want: http.StatusConflict},
		{name: "expired", err: repository.ErrTokenExpired, want: http.StatusGone},
		{name: "unknown", err: repository.ErrTokenNotFound, want: http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{exerciseErr: tc.err}
			srv := newTestServer(t, svc)

			res, err := http.Get(srv.URL + "/api/downloads/tok123")
			if err != nil {
				t.Fatalf("get download: %v", err)
			}
			defer res.Body.Close()

			if res.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tc.want)
			}
		})
	}
}

func TestAdminLogin(t *testing.T) {
	svc := &stubService{}
	srv := newTestServer(t, svc)

	res := postJSON(t, srv.URL+"/api/admin/login", map[string]string{"password": "wrong"})
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	res = postJSON(t, srv.URL+"/api/admin/login", map[string]string{"password": "admin-pass"})
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatal("no session cookie issued")
	}
}

func TestAdminRoutes_RequireSession(t *testing.T) {
	svc := &stubService{orders: []model.Order{{RefCode: "BAB12CD34E", Status: model.OrderStatusConfirmed}}}
	srv := newTestServer(t, svc)

	res, err := http.Get(srv.URL + "/api/admin/orders")
	if err != nil {
		t.Fatalf("get admin orders: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("without session: status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	login := postJSON(t, srv.URL+"/api/admin/login", map[string]string{"password": "admin-pass"})
	login.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/admin/orders", nil)
	for _, c := range login.Cookies() {
		req.AddCookie(c)
	}

	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get admin orders: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("with session: status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got []adminOrderResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].RefCode != "BAB12CD34E" {
		t.Fatalf("unexpected orders: %+v", got)
	}
}

func TestListProducts(t *testing.T) {
	svc := &stubService{products: []model.Product{
		{ID: 1, Name: "Scalper v2", Slug: "scalper-v2", PriceCents: 150000, Active: true},
	}}
	srv := newTestServer(t, svc)

	res, err := http.Get(srv.URL + "/api/products")
	if err != nil {
		t.Fatalf("get products: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got []productResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].Slug != "scalper-v2" {
		t.Fatalf("unexpected products: %+v", got)
	}
}

func TestGetProduct_NotFound(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	res, err := http.Get(srv.URL + "/api/products/nope")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestSubmitCustomOrder(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	res := postJSON(t, srv.URL+"/api/custom-orders", map[string]any{
		"name":         "Jane",
		"email":        "jane@example.com",
		"description":  "grid bot for EURUSD",
		"budget_cents": 500000,
	})
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
}
