package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"learnhub/internal/apperr"
	"learnhub/internal/service"
	"learnhub/pkg/payment"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Validation errors are reported under the json field names.
func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	}
}

type errorBody struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

// sentinelErrors maps domain and gateway errors onto a response. Order matters only for
// errors that wrap more than one sentinel.
var sentinelErrors = []struct {
	err    error
	status int
	code   string
	msg    string
}{
	{service.ErrSeatRaceLost, http.StatusConflict, "seat_race_lost", "the last seat was taken before your payment completed; please try again"},
	{service.ErrPaymentNotFound, http.StatusNotFound, string(apperr.NotFound), "payment not found"},
	{service.ErrCourseNotFound, http.StatusNotFound, string(apperr.NotFound), "course not found"},
	{service.ErrAlreadyEnrolled, http.StatusConflict, string(apperr.Conflict), "already enrolled in this course"},
	{service.ErrCourseFull, http.StatusConflict, "course_full", "course has no free seats"},
	{service.ErrPaymentNotPayable, http.StatusConflict, string(apperr.Conflict), "payment can no longer be completed"},
	{service.ErrPaymentDeclined, http.StatusPaymentRequired, "payment_declined", "payment was declined"},
	{service.ErrWebhookEventNotFound, http.StatusNotFound, string(apperr.NotFound), "webhook event not found"},
	{payment.ErrGatewayUnavailable, http.StatusServiceUnavailable, string(apperr.Unavailable), "payment gateway unavailable, please retry"},
	{payment.ErrGatewayRejected, http.StatusBadGateway, "gateway_rejected", "payment gateway rejected the request"},
	{payment.ErrIntentNotFound, http.StatusBadRequest, string(apperr.Invalid), "unknown payment intent"},
	{payment.ErrUnknownProvider, http.StatusNotFound, string(apperr.NotFound), "unknown payment provider"},
}

func respondError(c *gin.Context, err error) {
	if ae, ok := apperr.As(err); ok && ae.Kind != apperr.Internal {
		c.AbortWithStatusJSON(apperr.HTTPStatus(ae), errorBody{Error: ae.PublicMsg, Code: string(ae.Kind), Fields: ae.Fields})
		return
	}
	for _, s := range sentinelErrors {
		if errors.Is(err, s.err) {
			if s.status >= http.StatusInternalServerError {
				slog.WarnContext(c.Request.Context(), "request failed", slog.String("path", c.FullPath()), slog.Any("err", err))
			}
			c.AbortWithStatusJSON(s.status, errorBody{Error: s.msg, Code: s.code})
			return
		}
	}
	slog.ErrorContext(c.Request.Context(), "internal error",
		slog.String("method", c.Request.Method),
		slog.String("path", c.FullPath()),
		slog.Any("err", err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: apperr.PublicMessage(err), Code: string(apperr.Internal)})
}

// bindError turns a gin binding failure into a 400 with per-field messages.
func bindError(err error) *apperr.AppError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.InvalidErr("malformed request body", nil)
	}
	fields := make(map[string]string, len(verrs))
	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", field)
		case "oneof":
			fields[field] = fmt.Sprintf("%s must be one of %s", field, e.Param())
		case "min", "gte":
			fields[field] = fmt.Sprintf("%s must be at least %s", field, e.Param())
		case "max", "lte":
			fields[field] = fmt.Sprintf("%s must be at most %s", field, e.Param())
		default:
			fields[field] = fmt.Sprintf("%s is invalid", field)
		}
	}
	return apperr.InvalidErr("validation failed", fields)
}
