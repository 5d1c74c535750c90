package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-booking/internal/service"
)

// getUserID extracts the user_id set by JWTAuth and converts it to uint64.
func getUserID(c echo.Context) (uint64, error) {
	switch t := c.Get("user_id").(type) {
	case uint64:
		return t, nil
	case int:
		return uint64(t), nil
	case int64:
		return uint64(t), nil
	case float64:
		if t > 0 {
			return uint64(t), nil
		}
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, errors.New("invalid user_id in context")
}

func parseID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// statusFor maps service error codes to HTTP statuses.
var statusFor = map[service.Code]int{
	service.CodeValidationFailed:      http.StatusBadRequest,
	service.CodeCapacityExceeded:      http.StatusBadRequest,
	service.CodeNotFound:              http.StatusNotFound,
	service.CodeInvalidSessionState:   http.StatusConflict,
	service.CodeInvalidBookingState:   http.StatusConflict,
	service.CodeSettlementConflict:    http.StatusConflict,
	service.CodeSessionExpired:        http.StatusGone,
	service.CodeRefundPolicyViolation: http.StatusUnprocessableEntity,
	service.CodeProviderInitFailed:    http.StatusBadGateway,
	service.CodeRefundProviderFailed:  http.StatusBadGateway,
	service.CodeLedgerInconsistent:    http.StatusInternalServerError,
}

// writeError renders err as {"error": code, "message": ..., "details": ...}.
// Errors without a code are logged and reported as a bare internal error.
func writeError(c echo.Context, err error) error {
	var se *service.Error
	if !errors.As(err, &se) {
		log.WithError(err).WithField("route", c.Path()).Error("unhandled error")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error", "message": "internal error"})
	}
	status, ok := statusFor[se.Code()]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := echo.Map{"error": se.Code(), "message": se.Message()}
	switch se.Code() {
	case service.CodeSettlementConflict, service.CodeLedgerInconsistent:
		// Internal counts stay in the logs.
	default:
		if d := se.Details(); len(d) > 0 {
			body["details"] = d
		}
	}
	return c.JSON(status, body)
}

// RequestValidator adapts validator/v10 to echo.Validator.
type RequestValidator struct {
	v *validator.Validate
}

// NewRequestValidator returns a validator using the struct "validate" tags.
func NewRequestValidator() *RequestValidator {
	return &RequestValidator{v: validator.New()}
}

func (r *RequestValidator) Validate(i interface{}) error { return r.v.Struct(i) }

// bindAndValidate decodes the body into dst and runs the registered
// validator.  The returned error, if any, has already been written.
func bindAndValidate(c echo.Context, dst interface{}) (bool, error) {
	if err := c.Bind(dst); err != nil {
		return false, c.JSON(http.StatusBadRequest, echo.Map{"error": string(service.CodeValidationFailed), "message": "invalid request body"})
	}
	if err := c.Validate(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]echo.Map, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, echo.Map{"field": fe.Namespace(), "rule": fe.Tag()})
			}
			return false, c.JSON(http.StatusBadRequest, echo.Map{
				"error":   string(service.CodeValidationFailed),
				"message": "request validation failed",
				"details": echo.Map{"fields": fields},
			})
		}
		return false, c.JSON(http.StatusBadRequest, echo.Map{"error": string(service.CodeValidationFailed), "message": err.Error()})
	}
	return true, nil
}
