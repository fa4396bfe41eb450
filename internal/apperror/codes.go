package apperror

import "net/http"

const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeQRInvalid           = "QR_INVALID"
	CodeGeofenceViolation   = "GEOFENCE_VIOLATION"
	CodeDuplicateRecord     = "DUPLICATE_RECORD"
	CodeConflictDetected    = "CONFLICT_DETECTED"
	CodeStrategyUnsupported = "CONFLICT_STRATEGY_UNSUPPORTED"
	CodeSyncVersionMismatch = "SYNC_VERSION_MISMATCH"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL_ERROR"
)

var (
	ErrValidation = New(CodeValidation, "The provided input is invalid", http.StatusBadRequest)

	ErrQRInvalid = New(CodeQRInvalid, "QR session is not valid", http.StatusConflict)

	ErrGeofenceViolation = New(CodeGeofenceViolation, "Location is outside the room", http.StatusUnprocessableEntity)

	// Duplicates are reported per record, never as a failed request.
	ErrDuplicateRecord = New(CodeDuplicateRecord, "Record was already submitted", http.StatusOK)

	ErrConflictDetected = New(CodeConflictDetected, "Record conflicts with an existing record", http.StatusOK)

	ErrStrategyUnsupported = New(CodeStrategyUnsupported, "Conflict resolution strategy is not supported", http.StatusBadRequest)

	ErrSyncVersionMismatch = New(CodeSyncVersionMismatch, "Sync cursor is ahead of the server, full resync required", http.StatusConflict)

	ErrNotFound = New(CodeNotFound, "Resource not found", http.StatusNotFound)

	ErrUnauthorized = New(CodeUnauthorized, "Authentication is required", http.StatusUnauthorized)

	ErrForbidden = New(CodeForbidden, "You do not have permission to access this resource", http.StatusForbidden)

	ErrRateLimited = New(CodeRateLimited, "Too many requests", http.StatusTooManyRequests)

	ErrInternal = New(CodeInternal, "An unexpected error occurred", http.StatusInternalServerError)
)

// Validation builds a VALIDATION_ERROR with a specific message.
func Validation(msg string) *AppError {
	return ErrValidation.WithMessage(msg)
}
