// SPDX-License-Identifier: GPL-2.0-only

// Package controlapi implements the Control API Adapter component: an
// HTTP/JSON transport over the Assignment Engine's operator commands, left
// otherwise unspecified by the underlying device-assignment protocol.
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/oss-usbip/usbip-assignd/internal/apitypes"
)

// Engine is the subset of *engine.Engine the control API depends on.
type Engine interface {
	Assign(ctx context.Context, busID, clientID string) (string, error)
	ForceFree(ctx context.Context, busID string) (string, error)
	ForceReattach(ctx context.Context, busID string) (string, error)
	AssignAll(ctx context.Context, clientID string) (string, error)
	ListDevices(ctx context.Context) ([]apitypes.DeviceInfo, error)
	ListClients(ctx context.Context) ([]string, error)
	Debug(ctx context.Context) (apitypes.DebugSnapshot, error)
}

// NewRouter builds the gorilla/mux router serving every route from the
// Control API Adapter component.
func NewRouter(eng Engine, logger log.Logger) *mux.Router {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	a := &adapter{engine: eng, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/devices/{bus_id}/assign", a.handleAssign).Methods(http.MethodPost)
	r.HandleFunc("/devices/{bus_id}/force_free", a.handleForceFree).Methods(http.MethodPost)
	r.HandleFunc("/devices/{bus_id}/force_reattach", a.handleForceReattach).Methods(http.MethodPost)
	r.HandleFunc("/assign_all", a.handleAssignAll).Methods(http.MethodPost)
	r.HandleFunc("/devices", a.handleListDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/{bus_id}", a.handleGetDevice).Methods(http.MethodGet)
	r.HandleFunc("/clients", a.handleListClients).Methods(http.MethodGet)
	r.HandleFunc("/debug", a.handleDebug).Methods(http.MethodGet)
	return r
}

type adapter struct {
	engine Engine
	logger log.Logger
}

func (a *adapter) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		_ = level.Warn(a.logger).Log("msg", "failed to encode response body", "err", err)
	}
}

func (a *adapter) writeError(w http.ResponseWriter, status int, err error) {
	_ = level.Warn(a.logger).Log("msg", "control API request failed", "status", status, "err", err)
	a.writeJSON(w, status, apitypes.ErrorResponse{Error: err.Error()})
}

func (a *adapter) handleAssign(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["bus_id"]
	var req apitypes.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	outcome, err := a.engine.Assign(r.Context(), busID, req.ClientID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, apitypes.StatusResponse{Status: outcome})
}

func (a *adapter) handleForceFree(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["bus_id"]
	outcome, err := a.engine.ForceFree(r.Context(), busID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, apitypes.StatusResponse{Status: outcome})
}

func (a *adapter) handleForceReattach(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["bus_id"]
	outcome, err := a.engine.ForceReattach(r.Context(), busID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, apitypes.StatusResponse{Status: outcome})
}

func (a *adapter) handleAssignAll(w http.ResponseWriter, r *http.Request) {
	var req apitypes.AssignAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	outcome, err := a.engine.AssignAll(r.Context(), req.ClientID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, apitypes.StatusResponse{Status: outcome})
}

func (a *adapter) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.engine.ListDevices(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, apitypes.DevicesResponse{Devices: devices})
}

// handleGetDevice mirrors the original web UI's per-device lookup; it is a
// pure projection of ListDevices and has no separate Engine operation.
func (a *adapter) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["bus_id"]
	devices, err := a.engine.ListDevices(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, d := range devices {
		if d.BusID == busID {
			a.writeJSON(w, http.StatusOK, d)
			return
		}
	}
	a.writeError(w, http.StatusNotFound, errors.Newf("no such device: %s", busID))
}

func (a *adapter) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.engine.ListClients(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, apitypes.ClientsResponse{Clients: clients})
}

func (a *adapter) handleDebug(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.engine.Debug(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, snapshot)
}
