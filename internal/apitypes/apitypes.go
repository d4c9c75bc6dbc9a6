// SPDX-License-Identifier: GPL-2.0-only

// Package apitypes holds the JSON-tagged DTOs shared between
// internal/controlapi's HTTP handlers and the Assignment Engine.
package apitypes

// DeviceInfo describes one exported device for the GET /devices family of
// endpoints.
type DeviceInfo struct {
	BusID      string `json:"bus_id"`
	Name       string `json:"name"`
	AssignedTo string `json:"assigned_to,omitempty"`
	InUse      string `json:"in_use,omitempty"`
}

// DebugSnapshot is the full internal-state dump served by GET /debug.
type DebugSnapshot struct {
	DeviceAssignments map[string]string `json:"device_assignments"`
	DeviceInUse       map[string]string `json:"device_in_use"`
	ExportedDevices   []string          `json:"exported_devices"`
	Clients           []string          `json:"clients"`
	AssignAllClientID string            `json:"assign_all_client_id"`
}

// AssignRequest is the body of POST /devices/{bus_id}/assign.
type AssignRequest struct {
	ClientID string `json:"client_id"`
}

// AssignAllRequest is the body of POST /assign_all.
type AssignAllRequest struct {
	ClientID string `json:"client_id"`
}

// StatusResponse wraps a single outcome token, e.g. "assigned" or
// "not-exported".
type StatusResponse struct {
	Status string `json:"status"`
}

// DevicesResponse wraps GET /devices and GET /devices/{bus_id}.
type DevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// ClientsResponse wraps GET /clients.
type ClientsResponse struct {
	Clients []string `json:"clients"`
}

// ErrorResponse is returned for any 4xx/5xx control API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
