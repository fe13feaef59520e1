package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	inferencedomain "github.com/smallbiznis/trustscan/internal/inference/domain"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Errors    []ValidationError      `json:"errors,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
	Ledger    *ledgerdomain.Snapshot `json:"ledger,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// bindingError turns validator failures into field level errors.
func bindingError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return invalidRequestError()
	}
	out := &ValidationErrors{}
	for _, fe := range fieldErrs {
		out.Errors = append(out.Errors, ValidationError{
			Field:   toSnake(fe.Field()),
			Code:    fe.Tag(),
			Message: "invalid value",
		})
	}
	return out
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var denial *scandomain.Denial
	if errors.As(err, &denial) {
		return mapDenial(denial)
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, scandomain.ErrScanInFlight):
		return http.StatusConflict, errorPayload{
			Type:      "scan_in_flight",
			Message:   "a scan with this request id is already running",
			Retryable: true,
		}
	case errors.Is(err, ledgerdomain.ErrTransactionMismatch):
		return http.StatusConflict, errorPayload{
			Type:    "request_id_reused",
			Message: "this request id was already used for a different scan",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:      "rate_limited",
			Message:   "too many scans, slow down",
			Retryable: true,
		}
	case errors.Is(err, scandomain.ErrAnalysisFailed):
		return http.StatusBadGateway, errorPayload{
			Type:    "analysis_failed",
			Message: "the product could not be analyzed, no credits were charged",
		}
	case errors.Is(err, scandomain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:      "provider_unavailable",
			Message:   "analysis is temporarily unavailable, no credits were charged",
			Retryable: true,
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func mapDenial(denial *scandomain.Denial) (int, errorPayload) {
	payload := errorPayload{
		Type:      string(denial.Reason),
		Retryable: denial.Retryable(),
	}
	if denial.Ledger.AccountID != "" {
		ledger := denial.Ledger
		payload.Ledger = &ledger
	}

	switch denial.Reason {
	case scandomain.DenialInsufficientCredits:
		payload.Message = "not enough credits for this scan"
		return http.StatusPaymentRequired, payload
	case scandomain.DenialModeRequiresUpgrade:
		payload.Message = "this scan mode requires a paid plan"
		return http.StatusForbidden, payload
	case scandomain.DenialUnauthenticated:
		payload.Message = "sign in to scan"
		return http.StatusUnauthorized, payload
	default:
		payload.Message = "your balance changed while the scan ran, please retry"
		return http.StatusConflict, payload
	}
}

// classifyErrorForLog returns the error type and code logged per request.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	var denial *scandomain.Denial
	switch {
	case errors.As(err, &denial):
		return "denial", payload.Type
	case status >= http.StatusInternalServerError:
		return "server", payload.Type
	default:
		return "client", payload.Type
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, scandomain.ErrInvalidRequest),
		errors.Is(err, ledgerdomain.ErrInvalidAccount):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, scandomain.ErrScanNotFound),
		errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, inferencedomain.ErrInvalidDescriptor):
		return "invalid_product"
	case errors.Is(err, plandomain.ErrInvalidMode):
		return "invalid_mode"
	case errors.Is(err, ledgerdomain.ErrInvalidAccount):
		return "invalid_account"
	default:
		return "invalid_request"
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	return strings.TrimPrefix(code, "invalid_")
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
