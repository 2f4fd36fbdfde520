package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/devicekey/server/internal/model"
)

// maxBodyBytes caps request bodies; every payload here is a handful of short strings.
const maxBodyBytes = 64 << 10

// decodeJSON reads a JSON body into v. Malformed or oversized bodies fail ValidationFailed.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.Errorf(model.KindValidationFailed, "request body is required")
		}
		return model.Errorf(model.KindValidationFailed, "invalid request body")
	}
	return nil
}

// parseID reads a UUID from a body field or URL parameter.
func parseID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, model.Errorf(model.KindValidationFailed, "%s must be a UUID", field)
	}
	return id, nil
}

func urlID(r *http.Request) (uuid.UUID, error) {
	return parseID(chi.URLParam(r, "id"), "id")
}

type userResponse struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
	CreatedAt   string `json:"createdAt"`
}

func toUserResponse(u model.User) userResponse {
	return userResponse{
		ID:          u.ID.String(),
		PhoneNumber: u.PhoneNumber,
		CreatedAt:   u.CreatedAt.UTC().Format(timeLayout),
	}
}

type deviceResponse struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	DeviceName  string `json:"deviceName"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func toDeviceResponse(d model.Device) deviceResponse {
	return deviceResponse{
		ID:          d.ID.String(),
		Fingerprint: d.Fingerprint,
		DeviceName:  d.DeviceName,
		Status:      string(d.Status),
		CreatedAt:   d.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:   d.UpdatedAt.UTC().Format(timeLayout),
	}
}

// timeLayout is RFC 3339 with milliseconds
const timeLayout = "2006-01-02T15:04:05.000Z07:00"
