package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/jkirwa/botstore-system/internal/middleware"
)

// SetupRouter wires the HTTP routes and middleware of the botstore API.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// JSON API surface; gzip stays off the download streams.
		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.GzipMiddleware)

			r.Get("/products", h.ListProducts)
			r.Get("/products/{slug}", h.GetProduct)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders/{refCode}/status", h.GetOrderStatus)

			r.Post("/downloads", h.IssueDownload)

			r.Post("/custom-orders", h.SubmitCustomOrder)

			r.Post("/ipn/nowpayments", h.CryptoIPN)
			r.Post("/callback/stk", h.STKCallback)
		})

		r.Get("/downloads/{token}", h.ExerciseDownload)
		r.Get("/downloads/{token}/files/{fileID}", h.DownloadFile)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/login", h.AdminLogin)

			r.Group(func(r chi.Router) {
				r.Use(h.adminAuth.Middleware)

				r.Get("/orders", h.AdminListOrders)
				r.Post("/orders/{refCode}/status", h.AdminSetOrderStatus)

				r.Get("/products", h.AdminListProducts)
				r.Post("/products", h.AdminCreateProduct)
				r.Put("/products/{id}", h.AdminUpdateProduct)

				r.Get("/custom-orders", h.AdminListCustomOrders)
				r.Post("/custom-orders/{id}/status", h.AdminSetCustomOrderStatus)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
