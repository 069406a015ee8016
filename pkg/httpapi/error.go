package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrorEnvelope standardizes JSON error responses for API namespaces.
type ErrorEnvelope struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// StatusError is implemented by errors that know their HTTP mapping.
// PublicMessage is what clients see; Error may carry internal causes.
type StatusError interface {
	error
	HTTPStatus() int
	ErrorCode() string
	PublicMessage() string
}

func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	if w == nil {
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, message string, meta map[string]string) error {
	return WriteJSON(w, status, &ErrorEnvelope{
		Code:    code,
		Message: message,
		Meta:    meta,
	})
}

// WriteStatusError renders err using its StatusError mapping when present,
// falling back to a generic 500. Causes are only rendered when debug is set.
func WriteStatusError(w http.ResponseWriter, err error, debug bool) error {
	var se StatusError
	if errors.As(err, &se) {
		msg := se.PublicMessage()
		if debug {
			msg = se.Error()
		}
		return WriteError(w, se.HTTPStatus(), se.ErrorCode(), msg, nil)
	}
	return WriteError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", InternalMessage(err, debug), nil)
}

// InternalMessage is the client message for an unmapped error: a fixed
// string, or the error type and text in debug mode.
func InternalMessage(err error, debug bool) string {
	if !debug || err == nil {
		return "internal server error"
	}
	return fmt.Sprintf("%T: %v", err, err)
}

// DecodeJSON decodes a single JSON object from body, rejecting unknown fields.
func DecodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
