package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrUnavailable  = errors.New("service unavailable")
	ErrUnauthorized = errors.New("unauthorized")
)

// Specific errors.
var (
	ErrThemeNotFound       = fmt.Errorf("theme: %w", ErrNotFound)
	ErrLayerNotFound       = fmt.Errorf("layer: %w", ErrNotFound)
	ErrTokenNotFound       = fmt.Errorf("embedded token: %w", ErrNotFound)
	ErrInvalidCoordinate   = fmt.Errorf("coordinate: %w", ErrInvalidInput)
	ErrInvalidGeometry     = fmt.Errorf("geometry: %w", ErrInvalidInput)
	ErrNoSite              = fmt.Errorf("site feature: %w", ErrInvalidInput)
	ErrBlankImage          = fmt.Errorf("blank image: %w", ErrUnavailable)
	ErrNoRenderableContent = fmt.Errorf("no renderable content: %w", ErrUnavailable)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// Fetch stages reported by LayerFetchError.
const (
	StageRequest = "request"
	StageDecode  = "decode"
	StageBlank   = "blank"
	StageToken   = "token"
	StageProxy   = "proxy"
	StageService = "service"
)

// LayerFetchError represents a failed fetch of one remote layer.
type LayerFetchError struct {
	Layer  string // Layer identifier
	URL    string // Request URL without credentials
	Stage  string // Stage that failed
	Status int    // HTTP status, if any
	Err    error  // Underlying error
}

// Error implements the error interface.
func (e *LayerFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("layer %s %s failed with status %d: %v", e.Layer, e.Stage, e.Status, e.Err)
	}
	return fmt.Sprintf("layer %s %s failed: %v", e.Layer, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *LayerFetchError) Unwrap() error {
	return e.Err
}

// GeometryError represents an unusable geometry.
type GeometryError struct {
	Op      string // Operation (parse, label, draw)
	Feature int    // Feature index, -1 if unknown
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *GeometryError) Error() string {
	if e.Feature >= 0 {
		return fmt.Sprintf("geometry error during %s of feature %d: %v", e.Op, e.Feature, e.Err)
	}
	return fmt.Sprintf("geometry error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *GeometryError) Unwrap() error {
	return e.Err
}

// AuthError represents a failure to obtain a token for a service.
type AuthError struct {
	Service string // Credential set or layer
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error for %s: %v", e.Service, e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (upload, list, etc.)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}
