package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jkirwa/botstore-system/internal/model"
	"github.com/jkirwa/botstore-system/internal/reconcile"
	"github.com/jkirwa/botstore-system/internal/repository"
)

type adminLoginRequest struct {
	Password string `json:"password"`
}

// AdminLogin checks the back-office password and issues a session cookie.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if h.adminPassword == "" ||
		subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.adminPassword)) != 1 {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.adminAuth.SetSessionCookie(w)
	w.WriteHeader(http.StatusOK)
}

type adminOrderResponse struct {
	ID            int64  `json:"id"`
	RefCode       string `json:"ref_code"`
	Item          int64  `json:"item"`
	AmountCents   int64  `json:"amount_cents"`
	Status        string `json:"status"`
	Downloaded    bool   `json:"downloaded"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	PaymentMethod string `json:"payment_method"`
	GatewayRef    string `json:"gateway_ref,omitempty"`
	Notes         string `json:"notes,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// AdminListOrders returns orders, optionally filtered by ?status=.
func (h *Handler) AdminListOrders(w http.ResponseWriter, r *http.Request) {
	status := model.OrderStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	orders, err := h.service.ListOrders(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("admin list orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]adminOrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, adminOrderResponse{
			ID:            o.ID,
			RefCode:       o.RefCode,
			Item:          o.Item,
			AmountCents:   o.AmountCents,
			Status:        string(o.Status),
			Downloaded:    o.Downloaded,
			Email:         o.Email,
			Phone:         o.Phone,
			PaymentMethod: string(o.PaymentMethod),
			GatewayRef:    o.GatewayRef,
			Notes:         o.Notes,
			CreatedAt:     o.CreatedAt.Format(time.RFC3339),
			UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type adminStatusRequest struct {
	Status string `json:"status"`
}

// AdminSetOrderStatus applies a manual status override from the allow-list.
func (h *Handler) AdminSetOrderStatus(w http.ResponseWriter, r *http.Request) {
	refCode := chi.URLParam(r, "refCode")

	var req adminStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, _, err := h.service.AdminSetStatus(r.Context(), refCode, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, reconcile.ErrInvalidSignal):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("admin set status error", zap.Error(err), zap.String("refCode", refCode))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"ref_code": order.RefCode,
		"status":   string(order.Status),
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type adminProductRequest struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Summary    string `json:"summary"`
	PriceCents int64  `json:"price_cents"`
	FileID     string `json:"file_id"`
	FileSize   int64  `json:"file_size"`
	Active     bool   `json:"active"`
}

func (req adminProductRequest) toModel() *model.Product {
	return &model.Product{
		ID:         req.ID,
		Name:       req.Name,
		Slug:       req.Slug,
		Summary:    req.Summary,
		PriceCents: req.PriceCents,
		FileID:     req.FileID,
		FileSize:   req.FileSize,
		Active:     req.Active,
	}
}

type adminProductResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Summary    string `json:"summary,omitempty"`
	PriceCents int64  `json:"price_cents"`
	FileID     string `json:"file_id"`
	FileSize   int64  `json:"file_size"`
	Active     bool   `json:"active"`
}

// AdminListProducts returns the whole catalog, inactive entries included.
func (h *Handler) AdminListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.AdminListProducts(r.Context())
	if err != nil {
		h.logger.Error("admin list products error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]adminProductResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, adminProductResponse{
			ID:         p.ID,
			Name:       p.Name,
			Slug:       p.Slug,
			Summary:    p.Summary,
			PriceCents: p.PriceCents,
			FileID:     p.FileID,
			FileSize:   p.FileSize,
			Active:     p.Active,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// AdminCreateProduct adds a catalog entry.
func (h *Handler) AdminCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req adminProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Slug == "" || req.PriceCents <= 0 || req.FileID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateProduct(r.Context(), req.toModel())
	if err != nil {
		h.logger.Error("admin create product error", zap.Error(err), zap.String("slug", req.Slug))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]int64{"id": id}); err != nil {
		h.logger.Error("encode create product response", zap.Error(err))
	}
}

// AdminUpdateProduct edits a catalog entry. Deactivation is an update with
// active=false; rows are never deleted.
func (h *Handler) AdminUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req adminProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	req.ID = id

	if err := h.service.UpdateProduct(r.Context(), req.toModel()); err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("admin update product error", zap.Error(err), zap.Int64("id", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type customOrderAdminResponse struct {
	ID          int64  `json:"id"`
	RefCode     string `json:"ref_code"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email"`
	Description string `json:"description"`
	BudgetCents int64  `json:"budget_cents"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// AdminListCustomOrders returns bespoke bot requests.
func (h *Handler) AdminListCustomOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	customOrders, err := h.service.ListCustomOrders(r.Context(), limit)
	if err != nil {
		h.logger.Error("admin list custom orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]customOrderAdminResponse, 0, len(customOrders))
	for _, c := range customOrders {
		resp = append(resp, customOrderAdminResponse{
			ID:          c.ID,
			RefCode:     c.RefCode,
			Name:        c.Name,
			Email:       c.Email,
			Description: c.Description,
			BudgetCents: c.BudgetCents,
			Status:      string(c.Status),
			CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// AdminSetCustomOrderStatus moves a bespoke request to a new workflow stage.
func (h *Handler) AdminSetCustomOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req adminStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateCustomOrderStatus(r.Context(), id, model.CustomOrderStatus(req.Status)); err != nil {
		switch {
		case errors.Is(err, repository.ErrCustomOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, reconcile.ErrInvalidSignal):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("admin set custom order status error", zap.Error(err), zap.Int64("id", id))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
