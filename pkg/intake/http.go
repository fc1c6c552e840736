package intake

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apphttp "github.com/chainsafe/offramp-middleware/pkg/app/http"
)

// HTTP wraps the Service to provide HTTP endpoints
type HTTP struct {
	service Service
	logger  *zap.Logger
}

// RegisterRoutes registers the public intake and status endpoints
func RegisterRoutes(r chi.Router, service Service, logger *zap.Logger) {
	h := &HTTP{service: service, logger: logger}

	r.Post("/offramp", apphttp.HandleError(h.create))
	r.Get("/offramp/by-address/{address}", apphttp.HandleError(h.getByAddress))
	r.Get("/offramp/{id}", apphttp.HandleError(h.get))
}

// RegisterAdminRoutes registers the operator endpoints. The router must authenticate the
// operator and put the actor in the request context.
func RegisterAdminRoutes(r chi.Router, service Service, logger *zap.Logger) {
	h := &HTTP{service: service, logger: logger}

	r.Get("/offramp/{id}/events", apphttp.HandleError(h.events))
	r.Post("/offramp/{id}/reset", apphttp.HandleError(h.reset))
	r.Delete("/offramp/{id}", apphttp.HandleError(h.delete))
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) error {
	var req CreateRequest
	if err := apphttp.DecodeJSON(r, &req); err != nil {
		return err
	}
	resp, err := h.service.Create(r.Context(), &req)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if resp.Existing {
		status = http.StatusOK
	}
	apphttp.WriteJSON(w, status, resp)
	return nil
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) error {
	resp, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) getByAddress(w http.ResponseWriter, r *http.Request) error {
	resp, err := h.service.GetByDepositAddress(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) events(w http.ResponseWriter, r *http.Request) error {
	resp, err := h.service.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) reset(w http.ResponseWriter, r *http.Request) error {
	var req ResetRequest
	if err := apphttp.DecodeJSON(r, &req); err != nil {
		return err
	}
	resp, err := h.service.Reset(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusOK, resp)
	return nil
}

func (h *HTTP) delete(w http.ResponseWriter, r *http.Request) error {
	var req DeleteRequest
	if err := apphttp.DecodeJSON(r, &req); err != nil {
		return err
	}
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id"), &req); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
