package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/skillprep/devicebind/pkg/device"
)

// DeviceHandler handles HTTP requests for device binding. Authentication is
// the identity collaborator's job: the owner id arrives in the request and is
// trusted as-is.
type DeviceHandler struct {
	deviceService *device.DeviceService
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(deviceService *device.DeviceService) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
	}
}

// RegisterDeviceRequest represents the request body for register and
// precheck. Fingerprint is passed through raw so the payload parser owns
// validation.
type RegisterDeviceRequest struct {
	OwnerID     string          `json:"owner_id"`
	DeviceUUID  string          `json:"device_uuid,omitempty"`
	Fingerprint json.RawMessage `json:"fingerprint,omitempty"`
	DeviceType  string          `json:"device_type,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
}

// DeviceResponse is the wire form of a device binding.
type DeviceResponse struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	DeviceUUID string    `json:"device_uuid"`
	DeviceType string    `json:"device_type"`
	DeviceName string    `json:"device_name"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used"`
}

// RegisterDeviceResponse represents the response body for a registration.
type RegisterDeviceResponse struct {
	Status string         `json:"status"`
	IsNew  bool           `json:"is_new"`
	Match  string         `json:"match,omitempty"`
	Device DeviceResponse `json:"device"`
}

// PrecheckResponse represents the response body for a precheck.
type PrecheckResponse struct {
	Status      string `json:"status"`
	WouldCreate bool   `json:"would_create"`
	Match       string `json:"match,omitempty"`
}

// ListDevicesResponse represents the response body for listing devices.
type ListDevicesResponse struct {
	Status  string           `json:"status"`
	Devices []DeviceResponse `json:"devices"`
}

// DeactivateDeviceRequest represents the request body for deactivation.
type DeactivateDeviceRequest struct {
	OwnerID    string `json:"owner_id"`
	DeviceUUID string `json:"device_uuid"`
}

// ReplaceDeviceRequest represents the request body for a device replacement.
type ReplaceDeviceRequest struct {
	OwnerID       string          `json:"owner_id"`
	OldDeviceUUID string          `json:"old_device_uuid"`
	NewDeviceUUID string          `json:"new_device_uuid,omitempty"`
	Fingerprint   json.RawMessage `json:"fingerprint,omitempty"`
	DeviceType    string          `json:"device_type,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
}

// AdminResetRequest represents the request body for an admin reset.
type AdminResetRequest struct {
	DeviceUUID string `json:"device_uuid"`
	AdminID    string `json:"admin_id"`
}

// SweepRequest represents the request body for a retention sweep.
type SweepRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

// SweepResponse represents the response body for a retention sweep.
type SweepResponse struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// RegisterDevice handles the mutating registration path.
func (h *DeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	params, ok := h.decodeRegister(w, r)
	if !ok {
		return
	}

	result, err := h.deviceService.Register(r.Context(), params)
	if err != nil {
		renderOutcomeError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, RegisterDeviceResponse{
		Status: "success",
		IsNew:  result.IsNew,
		Match:  string(result.Match),
		Device: toDeviceResponse(result.Device),
	})
}

// PrecheckDevice evaluates registration legality without persisting anything.
func (h *DeviceHandler) PrecheckDevice(w http.ResponseWriter, r *http.Request) {
	params, ok := h.decodeRegister(w, r)
	if !ok {
		return
	}

	result, err := h.deviceService.Precheck(r.Context(), params)
	if err != nil {
		renderOutcomeError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, PrecheckResponse{
		Status:      "success",
		WouldCreate: result.WouldCreate,
		Match:       string(result.Match),
	})
}

// ListDevices returns the owner's active devices.
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(chi.URLParam(r, "owner_id"))
	if err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid owner ID", err.Error())
		return
	}

	devices, err := h.deviceService.ListActive(r.Context(), ownerID)
	if err != nil {
		renderOutcomeError(w, r, err)
		return
	}

	responses := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		responses = append(responses, toDeviceResponse(d))
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListDevicesResponse{
		Status:  "success",
		Devices: responses,
	})
}

// DeactivateDevice soft-deletes one of the owner's devices.
func (h *DeviceHandler) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	var req DeactivateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid owner ID", err.Error())
		return
	}
	if req.DeviceUUID == "" {
		renderErrorResponse(w, r, http.StatusBadRequest, "Missing required field", "device_uuid is required")
		return
	}

	if err := h.deviceService.Deactivate(r.Context(), ownerID, req.DeviceUUID); err != nil {
		renderOutcomeError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, SuccessResponse{
		Status:  "success",
		Message: "Device deactivated",
	})
}

// ReplaceDevice retires one device and binds its slot to a new one.
func (h *DeviceHandler) ReplaceDevice(w http.ResponseWriter, r *http.Request) {
	var req ReplaceDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid owner ID", err.Error())
		return
	}
	if req.OldDeviceUUID == "" {
		renderErrorResponse(w, r, http.StatusBadRequest, "Missing required field", "old_device_uuid is required")
		return
	}
	payload, err := device.ParsePayload(req.Fingerprint)
	if err != nil {
		renderOutcomeError(w, r, err)
		return
	}

	result, err := h.deviceService.Replace(r.Context(), device.ReplaceParams{
		OwnerID:       ownerID,
		OldDeviceUUID: req.OldDeviceUUID,
		NewDeviceUUID: req.NewDeviceUUID,
		Fingerprint:   payload,
		IPAddress:     clientIP(r),
		UserAgent:     requestUserAgent(r, req.UserAgent),
		TypeOverride:  req.DeviceType,
	})
	if err != nil {
		renderOutcomeError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, RegisterDeviceResponse{
		Status: "success",
		IsNew:  result.IsNew,
		Match:  string(result.Match),
		Device: toDeviceResponse(result.Device),
	})
}

// AdminResetDevice deactivates a device regardless of owner.
func (h *DeviceHandler) AdminResetDevice(w http.ResponseWriter, r *http.Request) {
	var req AdminResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.DeviceUUID == "" {
		renderErrorResponse(w, r, http.StatusBadRequest, "Missing required field", "device_uuid is required")
		return
	}
	adminID, err := uuid.Parse(req.AdminID)
	if err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid admin ID", err.Error())
		return
	}

	if err := h.deviceService.AdminReset(r.Context(), req.DeviceUUID, adminID); err != nil {
		renderOutcomeError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, SuccessResponse{
		Status:  "success",
		Message: "Device reset",
	})
}

// SweepDevices deactivates devices unused beyond the retention window.
func (h *DeviceHandler) SweepDevices(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	count, err := h.deviceService.SweepInactive(r.Context(), req.OlderThanDays)
	if err != nil {
		renderOutcomeError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, SweepResponse{
		Status: "success",
		Count:  count,
	})
}

func (h *DeviceHandler) decodeRegister(w http.ResponseWriter, r *http.Request) (device.RegisterParams, bool) {
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Failed to decode request body", "error", err)
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err.Error())
		return device.RegisterParams{}, false
	}

	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid owner ID", err.Error())
		return device.RegisterParams{}, false
	}

	payload, err := device.ParsePayload(req.Fingerprint)
	if err != nil {
		renderOutcomeError(w, r, err)
		return device.RegisterParams{}, false
	}

	return device.RegisterParams{
		OwnerID:      ownerID,
		DeviceUUID:   req.DeviceUUID,
		Fingerprint:  payload,
		IPAddress:    clientIP(r),
		UserAgent:    requestUserAgent(r, req.UserAgent),
		TypeOverride: req.DeviceType,
	}, true
}

// Handler returns a http.Handler for the device binding API.
func Handler(h *DeviceHandler) http.Handler {
	r := chi.NewRouter()

	r.Post("/register", h.RegisterDevice)
	r.Post("/precheck", h.PrecheckDevice)
	r.Get("/owners/{owner_id}", h.ListDevices)
	r.Post("/deactivate", h.DeactivateDevice)
	r.Post("/replace", h.ReplaceDevice)
	r.Post("/admin/reset", h.AdminResetDevice)
	r.Post("/admin/sweep", h.SweepDevices)

	return r
}

func toDeviceResponse(d device.Device) DeviceResponse {
	var resp DeviceResponse
	copier.Copy(&resp, &d)
	resp.ID = d.ID.String()
	resp.OwnerID = d.OwnerID.String()
	resp.DeviceType = string(d.DeviceType)
	return resp
}

// clientIP strips the port from the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestUserAgent(r *http.Request, override string) string {
	if override != "" {
		return override
	}
	return r.UserAgent()
}

// renderOutcomeError maps the service's closed outcome set onto transport
// status codes. Expected outcomes are not application errors; only storage
// failures log at Error.
func renderOutcomeError(w http.ResponseWriter, r *http.Request, err error) {
	var malformed device.MalformedInputError
	var conflict device.OwnershipConflictError
	var quota device.QuotaExceededError

	switch {
	case errors.As(err, &malformed):
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid request", err.Error())
	case errors.As(err, &conflict):
		renderErrorResponse(w, r, http.StatusConflict, "Device already bound to another account", err.Error())
	case errors.As(err, &quota):
		renderErrorResponse(w, r, http.StatusConflict, "Device limit reached", err.Error())
	case errors.Is(err, device.ErrDeviceNotFound):
		renderErrorResponse(w, r, http.StatusNotFound, "Device not found", err.Error())
	case errors.Is(err, device.ErrRegistrationConflict):
		renderErrorResponse(w, r, http.StatusConflict, "Conflicting registration", err.Error())
	default:
		slog.Error("device operation failed", "error", err)
		renderErrorResponse(w, r, http.StatusInternalServerError, "Internal error", "")
	}
}

// renderErrorResponse renders an error response with the given status code and message.
func renderErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, message, errorDetail string) {
	response := ErrorResponse{
		Status:  "error",
		Message: message,
	}
	if errorDetail != "" {
		response.Error = errorDetail
	}

	render.Status(r, statusCode)
	render.JSON(w, r, response)
}
