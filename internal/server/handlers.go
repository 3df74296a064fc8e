package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/connections"
	"event-pipes/internal/model"
	"event-pipes/internal/orchestrator"
)

type handlers struct {
	orch   *orchestrator.Orchestrator
	conns  *connections.Store
	logger logging.Logger
}

func newHandlers(orch *orchestrator.Orchestrator, conns *connections.Store, logger logging.Logger) *handlers {
	return &handlers{orch: orch, conns: conns, logger: logger}
}

func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) CreatePipe(w http.ResponseWriter, r *http.Request) {
	var pipe model.Pipe
	if err := json.NewDecoder(r.Body).Decode(&pipe); err != nil {
		h.writeError(w, errors.ValidationError("invalid request body"))
		return
	}

	created, err := h.orch.CreatePipe(r.Context(), &pipe)
	if err != nil {
		// activation failures still created the pipe record; report both
		if created != nil {
			writeJSON(w, http.StatusCreated, created)
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handlers) DescribePipe(w http.ResponseWriter, r *http.Request) {
	pipe, err := h.orch.DescribePipe(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipe)
}

func (h *handlers) ListPipes(w http.ResponseWriter, r *http.Request) {
	namePrefix := r.URL.Query().Get("namePrefix")
	state := model.PipeState(r.URL.Query().Get("currentState"))

	pipes, err := h.orch.ListPipes(r.Context(), namePrefix, state)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if pipes == nil {
		pipes = []*model.Pipe{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pipes": pipes})
}

func (h *handlers) UpdatePipe(w http.ResponseWriter, r *http.Request) {
	var update model.PipeUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.writeError(w, errors.ValidationError("invalid request body"))
		return
	}

	pipe, err := h.orch.UpdatePipe(r.Context(), mux.Vars(r)["name"], &update)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipe)
}

func (h *handlers) DeletePipe(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.DeletePipe(r.Context(), mux.Vars(r)["name"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) StartPipe(w http.ResponseWriter, r *http.Request) {
	pipe, err := h.orch.StartPipe(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipe)
}

func (h *handlers) StopPipe(w http.ResponseWriter, r *http.Request) {
	pipe, err := h.orch.StopPipe(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipe)
}

type createConnectionRequest struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	AuthType    connections.AuthType    `json:"authType"`
	Auth        connections.AuthProfile `json:"auth"`
}

func (h *handlers) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.ValidationError("invalid request body"))
		return
	}

	conn, err := h.conns.CreateConnection(r.Context(), &connections.Connection{
		Name:        req.Name,
		Description: req.Description,
		AuthType:    req.AuthType,
		Auth:        req.Auth,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (h *handlers) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.conns.GetConnection(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.conns.ListConnections(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if conns == nil {
		conns = []*connections.Connection{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": conns})
}

func (h *handlers) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.conns.DeleteConnection(r.Context(), mux.Vars(r)["name"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) CreateDestination(w http.ResponseWriter, r *http.Request) {
	var dest connections.Destination
	if err := json.NewDecoder(r.Body).Decode(&dest); err != nil {
		h.writeError(w, errors.ValidationError("invalid request body"))
		return
	}

	created, err := h.conns.CreateDestination(r.Context(), &dest)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handlers) DeleteDestination(w http.ResponseWriter, r *http.Request) {
	if err := h.conns.DeleteDestination(r.Context(), mux.Vars(r)["name"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrTypeValidation, errors.ErrTypeConfig, errors.ErrTypeFilterConfig:
		status = http.StatusBadRequest
	case errors.ErrTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrTypeConflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
