// Package handler contains the HTTP handlers of the botstore API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jkirwa/botstore-system/internal/filestore"
	"github.com/jkirwa/botstore-system/internal/middleware"
	"github.com/jkirwa/botstore-system/internal/model"
	"github.com/jkirwa/botstore-system/internal/reconcile"
	"github.com/jkirwa/botstore-system/internal/repository"
	"github.com/jkirwa/botstore-system/internal/service"
	"github.com/jkirwa/botstore-system/internal/validation"
)

// Service defines the business-logic contract used by the HTTP handlers.
type Service interface {
	Checkout(ctx context.Context, in service.CheckoutInput) (*service.CheckoutResult, error)
	PollStatus(ctx context.Context, refCode string) (*service.StatusResult, error)
	HandleCryptoIPN(ctx context.Context, body []byte, signature string) (*model.Order, bool, error)
	HandleSTKCallback(ctx context.Context, body []byte) (*model.Order, bool, error)
	AdminSetStatus(ctx context.Context, refCode, target string) (*model.Order, bool, error)
	IssueDownloadToken(ctx context.Context, orderIDs []int64, email string) (*service.DownloadGrant, error)
	ExerciseToken(ctx context.Context, token string) (*service.DownloadGrant, error)
	ManifestFile(ctx context.Context, token, fileID string) (*service.FileEntry, error)
	OpenFile(ctx context.Context, fileID string) (io.ReadCloser, int64, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	GetProductBySlug(ctx context.Context, slug string) (*model.Product, error)
	ListOrders(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error)
	CreateProduct(ctx context.Context, p *model.Product) (int64, error)
	UpdateProduct(ctx context.Context, p *model.Product) error
	AdminListProducts(ctx context.Context) ([]model.Product, error)
	SubmitCustomOrder(ctx context.Context, in service.CustomOrderInput) (*model.CustomOrder, error)
	ListCustomOrders(ctx context.Context, limit int) ([]model.CustomOrder, error)
	UpdateCustomOrderStatus(ctx context.Context, id int64, status model.CustomOrderStatus) error
}

// Handler implements the HTTP handlers of the botstore API.
type Handler struct {
	service       Service
	logger        *zap.Logger
	adminAuth     *middleware.AdminAuth
	adminPassword string
}

// NewHandler creates the HTTP handler set.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AdminAuth, adminPassword string) *Handler {
	return &Handler{
		service:       s,
		logger:        logger,
		adminAuth:     auth,
		adminPassword: adminPassword,
	}
}

type checkoutRequest struct {
	Item        int64  `json:"item"`
	Method      string `json:"method"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	AmountCents int64  `json:"amount_cents"`
	RefCode     string `json:"ref_code"`
	PayCurrency string `json:"pay_currency"`
}

type checkoutResponse struct {
	RefCode     string  `json:"ref_code"`
	Status      string  `json:"status"`
	PayAddress  string  `json:"pay_address,omitempty"`
	PayAmount   float64 `json:"pay_amount,omitempty"`
	PayCurrency string  `json:"pay_currency,omitempty"`
}

// CreateOrder handles checkout on all three payment rails.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Item <= 0 || req.Email == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	method := model.PaymentMethod(req.Method)
	switch method {
	case model.PaymentMethodMpesaManual:
		if !validation.IsValidRefCode(req.RefCode) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
	case model.PaymentMethodMpesaSTK:
		if !validation.IsValidPhone(req.Phone) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
	case model.PaymentMethodCrypto:
		if req.PayCurrency == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.Checkout(r.Context(), service.CheckoutInput{
		ItemID:      req.Item,
		Method:      method,
		Email:       req.Email,
		Phone:       req.Phone,
		AmountCents: req.AmountCents,
		RefCode:     req.RefCode,
		PayCurrency: req.PayCurrency,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrAmountMismatch), errors.Is(err, service.ErrUnsupportedPaymentMethod):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, service.ErrProductUnavailable), errors.Is(err, repository.ErrOrderExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrGatewayUnavailable):
			h.logger.Error("checkout gateway error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("checkout error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(checkoutResponse{
		RefCode:     res.Order.RefCode,
		Status:      string(res.Order.Status),
		PayAddress:  res.PayAddress,
		PayAmount:   res.PayAmount,
		PayCurrency: res.PayCurrency,
	}); err != nil {
		h.logger.Error("encode checkout response", zap.Error(err))
	}
}

type fileResponse struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

type downloadResponse struct {
	Token     string         `json:"token"`
	ExpiresAt string         `json:"expires_at"`
	Files     []fileResponse `json:"files"`
}

func grantResponse(g *service.DownloadGrant) downloadResponse {
	files := make([]fileResponse, 0, len(g.Files))
	for _, f := range g.Files {
		files = append(files, fileResponse{FileID: f.FileID, Name: f.Name, Size: f.Size})
	}
	return downloadResponse{
		Token:     g.Token,
		ExpiresAt: g.ExpiresAt.Format(time.RFC3339),
		Files:     files,
	}
}

type orderStatusResponse struct {
	RefCode    string            `json:"ref_code"`
	Status     string            `json:"status"`
	Downloaded bool              `json:"downloaded"`
	Download   *downloadResponse `json:"download,omitempty"`
}

// GetOrderStatus is the buyer-facing polling endpoint.
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	refCode := chi.URLParam(r, "refCode")

	res, err := h.service.PollStatus(r.Context(), refCode)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("poll status error", zap.Error(err), zap.String("refCode", refCode))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := orderStatusResponse{
		RefCode:    res.Order.RefCode,
		Status:     string(res.Order.Status),
		Downloaded: res.Order.Downloaded,
	}
	if res.Download != nil {
		g := grantResponse(res.Download)
		resp.Download = &g
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// CryptoIPN handles NOWPayments webhooks. The signature is checked against
// the raw body before anything else happens.
func (h *Handler) CryptoIPN(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("x-nowpayments-sig")

	_, _, err = h.service.HandleCryptoIPN(r.Context(), body, signature)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrBadSignature):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, reconcile.ErrInvalidSignal):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("crypto ipn error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// STKCallback handles the asynchronous Daraja STK result.
func (h *Handler) STKCallback(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	_, _, err = h.service.HandleSTKCallback(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, reconcile.ErrInvalidSignal):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("stk callback error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	// Daraja expects an acknowledgement body.
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ResultCode":0,"ResultDesc":"Accepted"}`))
}

type issueDownloadRequest struct {
	OrderIDs []int64 `json:"order_ids"`
	Email    string  `json:"email"`
}

// IssueDownload creates a single-use download token for a batch of orders.
func (h *Handler) IssueDownload(w http.ResponseWriter, r *http.Request) {
	var req issueDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if len(req.OrderIDs) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	grant, err := h.service.IssueDownloadToken(r.Context(), req.OrderIDs, req.Email)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOrderNotEligible):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrOrderNotFound), errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("issue download error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(grantResponse(grant)); err != nil {
		h.logger.Error("encode download grant", zap.Error(err))
	}
}

// ExerciseDownload consumes a token. A single-file grant streams the file
// directly; a multi-order grant returns the manifest so each file can be
// fetched individually within the validity window.
func (h *Handler) ExerciseDownload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	grant, err := h.service.ExerciseToken(r.Context(), token)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	if len(grant.Files) == 1 {
		h.streamFile(w, r, grant.Files[0])
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(grantResponse(grant)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// DownloadFile streams one entry of an exercised multi-order grant.
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	fileID := chi.URLParam(r, "fileID")

	entry, err := h.service.ManifestFile(r.Context(), token, fileID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOrderNotEligible):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, filestore.ErrFileNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.writeTokenError(w, err)
		}
		return
	}

	h.streamFile(w, r, *entry)
}

func (h *Handler) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrTokenNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrTokenAlreadyUsed), errors.Is(err, repository.ErrOrderDownloaded):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrTokenExpired):
		http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
	default:
		h.logger.Error("download token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) streamFile(w http.ResponseWriter, r *http.Request, entry service.FileEntry) {
	rc, size, err := h.service.OpenFile(r.Context(), entry.FileID)
	if err != nil {
		if errors.Is(err, filestore.ErrFileNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("open file error", zap.Error(err), zap.String("fileID", entry.FileID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+entry.FileID+`"`)

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream file interrupted", zap.Error(err), zap.String("fileID", entry.FileID))
	}
}

type productResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Summary    string `json:"summary,omitempty"`
	PriceCents int64  `json:"price_cents"`
	FileSize   int64  `json:"file_size,omitempty"`
}

// ListProducts returns the active catalog.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.logger.Error("list products error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, productResponse{
			ID:         p.ID,
			Name:       p.Name,
			Slug:       p.Slug,
			Summary:    p.Summary,
			PriceCents: p.PriceCents,
			FileSize:   p.FileSize,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetProduct returns one catalog entry by slug.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	p, err := h.service.GetProductBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get product error", zap.Error(err), zap.String("slug", slug))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(productResponse{
		ID:         p.ID,
		Name:       p.Name,
		Slug:       p.Slug,
		Summary:    p.Summary,
		PriceCents: p.PriceCents,
		FileSize:   p.FileSize,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type customOrderRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Description string `json:"description"`
	BudgetCents int64  `json:"budget_cents"`
}

// SubmitCustomOrder accepts a bespoke bot request from the public site.
func (h *Handler) SubmitCustomOrder(w http.ResponseWriter, r *http.Request) {
	var req customOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Description == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.SubmitCustomOrder(r.Context(), service.CustomOrderInput{
		Name:        req.Name,
		Email:       req.Email,
		Description: req.Description,
		BudgetCents: req.BudgetCents,
	})
	if err != nil {
		h.logger.Error("submit custom order error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"ref_code": c.RefCode,
		"status":   string(c.Status),
	}); err != nil {
		h.logger.Error("encode custom order response", zap.Error(err))
	}
}
