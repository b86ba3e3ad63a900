package api

import (
	"encoding/json"
	"net/http"

	"mcpgateway/pkg/logging"
)

// ErrorBody is the JSON shape of an error response. Kind is the stable
// error-kind string of §errors; RequestID matches the audit event for the
// request.
type ErrorBody struct {
	Error              string            `json:"error"`
	Kind               ErrorKind         `json:"kind"`
	RequestID          string            `json:"request_id,omitempty"`
	RequiredPermission string            `json:"required_permission,omitempty"`
	Fields             map[string]string `json:"fields,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("API", err, "Failed to encode response")
	}
}

// WriteError writes a typed error as a JSON error response. Untyped errors
// are coerced (and therefore answered as 500) rather than leaking internals.
func WriteError(w http.ResponseWriter, requestID string, err error) {
	apiErr := AsError(err)
	body := ErrorBody{
		Error:              apiErr.Message,
		Kind:               apiErr.Kind,
		RequestID:          requestID,
		RequiredPermission: apiErr.RequiredPermission,
		Fields:             apiErr.Fields,
	}
	WriteJSON(w, apiErr.HTTPStatus(), body)
}

// DecodeJSONBody decodes a request body into dst, rejecting unknown fields.
func DecodeJSONBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return NewBadRequestError("invalid request body", map[string]string{"body": err.Error()})
	}
	return nil
}
