package problem

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels für die Fehlerklassen. Typisierte Fehler unten wrappen sie,
// damit errors.Is über alle Schichten hinweg funktioniert.
var (
	ErrClientInput = errors.New("client input")
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence")
)

// ClientError beschreibt fehlerhafte Eingaben des Einreichers (kaputtes Archiv,
// Manifest passt nicht zum Archiv, Manuskript nicht lesbar, DOI-Konflikt ...).
type ClientError struct {
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ClientError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrClientInput, e.Err}
	}
	return []error{ErrClientInput}
}

// NewClientError erstellt einen ClientError mit formatierter Nachricht.
func NewClientError(format string, args ...any) *ClientError {
	return &ClientError{Message: fmt.Sprintf(format, args...)}
}

// WrapClientError markiert err als Eingabefehler.
func WrapClientError(message string, err error) *ClientError {
	return &ClientError{Message: message, Err: err}
}

// ManifestDataError ist ein Widerspruch innerhalb des Manifests. Element,
// Attribute und Value zeigen auf die Stelle, die der Einreicher korrigieren muss.
type ManifestDataError struct {
	Element   string
	Attribute string
	Value     string
	Message   string
}

func (e *ManifestDataError) Error() string { return e.Message }

func (e *ManifestDataError) Unwrap() error { return ErrClientInput }

// PersistenceError kapselt Fehler von Blob-Store oder Ledger.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persistence wrappt err als serverseitigen Speicherfehler. nil bleibt nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsClientInput(err error) bool { return errors.Is(err, ErrClientInput) }

func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Status bildet einen Fehler auf den HTTP-Status ab.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsClientInput(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
