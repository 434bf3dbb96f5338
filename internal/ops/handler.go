// Package ops is the operational HTTP surface of the worker: health,
// metrics, read access to tracked invoices and withdrawals, and manual
// re-check triggers for support use.
package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/payops/internal/queue"
	"github.com/punchamoorthee/payops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store *store.Store
	jobs  *queue.Queue
}

func NewHandler(s *store.Store, jobs *queue.Queue) *Handler {
	return &Handler{store: s, jobs: jobs}
}

// Router mounts every endpoint.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/invoices/{id}", h.GetInvoiceHandler).Methods("GET")
	apiV1.HandleFunc("/invoices/{id}/check", h.CheckInvoiceHandler).Methods("POST")
	apiV1.HandleFunc("/withdrawals/{id}", h.GetWithdrawalHandler).Methods("GET")
	apiV1.HandleFunc("/withdrawals/{id}/check", h.CheckWithdrawalHandler).Methods("POST")
	apiV1.HandleFunc("/users/{id}", h.GetUserHandler).Methods("GET")
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", "/invoices/{id}"))
	defer timer.ObserveDuration()

	id, ok := pathID(w, r, "GET", "/invoices/{id}")
	if !ok {
		return
	}

	inv, err := h.store.GetInvoice(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			httpRequestsTotal.WithLabelValues("GET", "/invoices/{id}", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Invoice not found")
			return
		}
		httpRequestsTotal.WithLabelValues("GET", "/invoices/{id}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/invoices/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, inv)
}

// CheckInvoiceHandler enqueues a re-check of one invoice. Support uses this
// to re-drive a payment that looks stuck without waiting for the sweep.
func (h *Handler) CheckInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "POST", "/invoices/{id}/check")
	if !ok {
		return
	}

	if _, err := h.store.GetInvoice(r.Context(), id); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/invoices/{id}/check", "404").Inc()
		respondWithError(w, http.StatusNotFound, "Invoice not found")
		return
	}

	err := h.jobs.Send(r.Context(), "checkInvoice", map[string]int64{"invoiceId": id}, queue.SendOptions{})
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/invoices/{id}/check", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/invoices/{id}/check", "202").Inc()
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) GetWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", "/withdrawals/{id}"))
	defer timer.ObserveDuration()

	id, ok := pathID(w, r, "GET", "/withdrawals/{id}")
	if !ok {
		return
	}

	wd, err := h.store.GetWithdrawal(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrWithdrawalNotFound) {
			httpRequestsTotal.WithLabelValues("GET", "/withdrawals/{id}", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Withdrawal not found")
			return
		}
		httpRequestsTotal.WithLabelValues("GET", "/withdrawals/{id}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/withdrawals/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, wd)
}

func (h *Handler) CheckWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "POST", "/withdrawals/{id}/check")
	if !ok {
		return
	}

	if _, err := h.store.GetWithdrawal(r.Context(), id); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/withdrawals/{id}/check", "404").Inc()
		respondWithError(w, http.StatusNotFound, "Withdrawal not found")
		return
	}

	err := h.jobs.Send(r.Context(), "checkWithdrawal", map[string]int64{"withdrawalId": id}, queue.SendOptions{})
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/withdrawals/{id}/check", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/withdrawals/{id}/check", "202").Inc()
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "GET", "/users/{id}")
	if !ok {
		return
	}

	u, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			httpRequestsTotal.WithLabelValues("GET", "/users/{id}", "404").Inc()
			respondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		httpRequestsTotal.WithLabelValues("GET", "/users/{id}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/users/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, u)
}

func pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httpRequestsTotal.WithLabelValues(method, endpoint, "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
