package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/payment"
)

type errorDetail struct {
	StatusCode int           `json:"statusCode"`
	Name       string        `json:"name"`
	Message    string        `json:"message"`
	Params     apperr.Params `json:"params,omitempty"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// writeError maps err to its status code. A payment required
// error also sets the encoded payment request header.
func (s *Server) writeError(rw http.ResponseWriter, req *http.Request, err error) {
	var required *payment.RequiredError
	if errors.As(err, &required) {
		rw.Header().Set(payment.Header, required.Request)
	}

	detail := errorDetail{
		StatusCode: http.StatusInternalServerError,
		Name:       apperr.Unknown.String(),
		Message:    err.Error(),
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		detail.StatusCode = appErr.Kind.StatusCode()
		detail.Name = appErr.Kind.String()
		detail.Params = appErr.Params
	}

	logger := s.logger.With("method", req.Method, "path", req.URL.Path,
		"status", detail.StatusCode, "error", err.Error())
	if detail.StatusCode >= http.StatusInternalServerError {
		logger.Error("request failed")
	} else {
		logger.Debug("request rejected")
	}

	writeJSON(rw, detail.StatusCode, errorResponse{Error: detail})
}

func writeErrorDetail(rw http.ResponseWriter, status int, name, message string) {
	writeJSON(rw, status, errorResponse{Error: errorDetail{StatusCode: status, Name: name, Message: message}})
}
