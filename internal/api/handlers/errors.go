package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gap-service/donation_service/internal/domain/entities"
	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
)

// Error codes as constants for consistent error responses across handlers
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeUnsupportedToken   = "UNSUPPORTED_TOKEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Error messages as constants for consistency
const (
	MsgInvalidRequest     = "Invalid request payload"
	MsgInternalError      = "Internal server error"
	MsgServiceUnavailable = "Service temporarily unavailable"
)

// statusByCode maps domain error codes to HTTP statuses
var statusByCode = map[string]int{
	apperrors.CodeValidation:           http.StatusBadRequest,
	ErrCodeNotFound:                    http.StatusNotFound,
	apperrors.CodeCartFull:             http.StatusConflict,
	apperrors.CodeConfirmationRequired: http.StatusConflict,
	apperrors.CodeCheckoutInProgress:   http.StatusConflict,
	apperrors.CodeUserRejected:         http.StatusConflict,
	apperrors.CodeEmptyBatch:           http.StatusUnprocessableEntity,
	apperrors.CodeSecurityBlock:        http.StatusUnprocessableEntity,
	apperrors.CodeInsufficientBalance:  http.StatusUnprocessableEntity,
	apperrors.CodeChainSwitchFailed:    http.StatusBadGateway,
	apperrors.CodeApprovalFailed:       http.StatusBadGateway,
	apperrors.CodeExecutionFailed:      http.StatusBadGateway,
	apperrors.CodeWalletNotConnected:   http.StatusServiceUnavailable,
	ErrCodeServiceUnavailable:          http.StatusServiceUnavailable,
}

// ErrorResponseBuilder provides a fluent interface for building error responses
type ErrorResponseBuilder struct {
	status  int
	code    string
	message string
	details map[string]interface{}
}

// NewError creates a new ErrorResponseBuilder
func NewError(status int, code string) *ErrorResponseBuilder {
	return &ErrorResponseBuilder{
		status: status,
		code:   code,
	}
}

// Message sets the error message
func (e *ErrorResponseBuilder) Message(msg string) *ErrorResponseBuilder {
	e.message = msg
	return e
}

// Detail adds a single detail to the error response
func (e *ErrorResponseBuilder) Detail(key string, value interface{}) *ErrorResponseBuilder {
	if e.details == nil {
		e.details = make(map[string]interface{})
	}
	e.details[key] = value
	return e
}

// Details merges details into the error response
func (e *ErrorResponseBuilder) Details(details map[string]interface{}) *ErrorResponseBuilder {
	for k, v := range details {
		e.Detail(k, v)
	}
	return e
}

// Send sends the error response
func (e *ErrorResponseBuilder) Send(c *gin.Context) {
	c.JSON(e.status, entities.ErrorResponse{
		Code:    e.code,
		Message: e.message,
		Details: e.details,
	})
}

// FromError builds the response for err. Domain errors keep their code,
// message and details; anything else becomes an opaque internal error.
func FromError(err error) *ErrorResponseBuilder {
	var de *apperrors.DomainError
	if !errors.As(err, &de) {
		return NewError(http.StatusInternalServerError, ErrCodeInternalError).Message(MsgInternalError)
	}

	status, ok := statusByCode[de.Code]
	if !ok {
		return NewError(http.StatusInternalServerError, ErrCodeInternalError).Message(MsgInternalError)
	}

	b := NewError(status, de.Code).Message(de.Message)
	for k, v := range de.Details {
		if k == "cause" {
			continue
		}
		b.Detail(k, v)
	}
	if de.Retryable {
		b.Detail("retryable", true)
	}
	return b
}

// SendBadRequest sends a 400 Bad Request error
func SendBadRequest(c *gin.Context, code, message string) {
	NewError(http.StatusBadRequest, code).Message(message).Send(c)
}

// SendNotFound sends a 404 Not Found error
func SendNotFound(c *gin.Context, code, message string) {
	NewError(http.StatusNotFound, code).Message(message).Send(c)
}

// SendSuccess sends a 200 OK response with data
func SendSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// SendNoContent sends a 204 No Content response
func SendNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
