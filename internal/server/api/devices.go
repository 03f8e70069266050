package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ayusman/facelink/internal/store"
)

// DeviceHandler serves the remembered actuator devices.
type DeviceHandler struct {
	store *store.Store
}

// NewDeviceHandler creates a new DeviceHandler with the given store.
func NewDeviceHandler(s *store.Store) *DeviceHandler {
	return &DeviceHandler{store: s}
}

// Register mounts the device routes on r.
func (h *DeviceHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/devices", h.list).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{address}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{address}", h.rename).Methods(http.MethodPut)
	r.HandleFunc("/api/devices/{address}", h.delete).Methods(http.MethodDelete)
}

type deviceResponse struct {
	Address         string `json:"address"`
	Name            string `json:"name"`
	Transport       string `json:"transport"`
	ConnectCount    int    `json:"connect_count"`
	LastConnectedAt string `json:"last_connected_at"`
}

type listDevicesResponse struct {
	Devices []deviceResponse `json:"devices"`
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func toDeviceResponse(d *store.Device) deviceResponse {
	return deviceResponse{
		Address:         d.Address,
		Name:            d.Name,
		Transport:       d.Transport,
		ConnectCount:    d.ConnectCount,
		LastConnectedAt: d.LastConnectedAt.Format(time.RFC3339),
	}
}

// list handles GET /api/devices.
func (h *DeviceHandler) list(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.Devices().List()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list devices")
		return
	}

	response := listDevicesResponse{
		Devices: make([]deviceResponse, 0, len(devices)),
	}
	for _, d := range devices {
		response.Devices = append(response.Devices, toDeviceResponse(d))
	}
	WriteJSON(w, http.StatusOK, response)
}

// get handles GET /api/devices/{address}.
func (h *DeviceHandler) get(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.Devices().Get(mux.Vars(r)["address"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Device not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to get device")
		return
	}
	WriteJSON(w, http.StatusOK, toDeviceResponse(d))
}

// rename handles PUT /api/devices/{address}.
func (h *DeviceHandler) rename(w http.ResponseWriter, r *http.Request) {
	var req renameDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	address := mux.Vars(r)["address"]
	if err := h.store.Devices().Rename(address, strings.TrimSpace(req.Name)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Device not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to rename device")
		return
	}

	d, err := h.store.Devices().Get(address)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to get device")
		return
	}
	WriteJSON(w, http.StatusOK, toDeviceResponse(d))
}

// delete handles DELETE /api/devices/{address}.
func (h *DeviceHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Devices().Delete(mux.Vars(r)["address"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Device not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
