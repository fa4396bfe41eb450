// Package response writes the JSON envelope every endpoint answers with.
package response

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendsync/internal/apperror"
	"attendsync/internal/logging"
)

// Meta accompanies every response.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Envelope is {success, data|error, meta}.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

func meta(c *gin.Context) Meta {
	return Meta{Timestamp: time.Now().UTC(), RequestID: logging.RequestID(c.Request.Context())}
}

// Success writes data with status.
func Success(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Success: true, Data: data, Meta: meta(c)})
}

// Error writes err. AppErrors keep their code and status; anything else is
// reported as INTERNAL_ERROR without leaking its text.
func Error(c *gin.Context, err error) {
	ae, ok := apperror.As(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			ae = apperror.ErrInternal.WithMessage("request cancelled")
		} else {
			ae = apperror.ErrInternal
		}
		logging.FromContext(c.Request.Context(), nil).Error("request failed", zap.Error(err))
	}
	status := ae.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, Envelope{
		Success: false,
		Error:   &ErrorBody{Code: ae.Code, Message: ae.Message, Details: ae.Details},
		Meta:    meta(c),
	})
}

// Abort writes err and stops the handler chain.
func Abort(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}
