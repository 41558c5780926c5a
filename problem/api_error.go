package problem

import (
	"errors"
	"net/http"
)

type ErrorDetail struct {
	Location string `json:"location,omitempty"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

// APIError ist der JSON-Body für Fehlerantworten (angelehnt an RFC 7807).
type APIError struct {
	Title  string        `json:"title"`
	Status int           `json:"status"`
	Errors []ErrorDetail `json:"errors,omitempty"`
}

func (e APIError) Error() string { return e.Title }

// FromError übersetzt einen Fehler aus der Pipeline in einen APIError.
// Serverfehler geben keine internen Details preis.
func FromError(err error) APIError {
	status := Status(err)
	switch status {
	case http.StatusBadRequest:
		detail := ErrorDetail{Code: "bad_request", Detail: err.Error()}
		var mde *ManifestDataError
		if errors.As(err, &mde) {
			detail.Code = "manifest_data"
			detail.Location = mde.Element
			if mde.Attribute != "" {
				detail.Location += "@" + mde.Attribute
			}
		}
		return APIError{Title: "Request validation failed", Status: status, Errors: []ErrorDetail{detail}}
	case http.StatusNotFound:
		return APIError{
			Title:  "Resource Not Found",
			Status: status,
			Errors: []ErrorDetail{{Code: "not_found", Detail: err.Error()}},
		}
	default:
		code := "internal_error"
		if IsPersistence(err) {
			code = "persistence_error"
		}
		return APIError{
			Title:  "Internal Server Error",
			Status: status,
			Errors: []ErrorDetail{{Code: code, Detail: "ingestion failed on the server side, retry later"}},
		}
	}
}
