package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/order"
)

type ValidationErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondWithValidationErrors(w http.ResponseWriter, err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		log.Error().Err(err).Type("validation_error_type", err).Msg("Unexpected error type during validation")
		respondWithError(w, http.StatusInternalServerError, "Internal validation error")
		return
	}

	details := formatValidationErrors(validationErrors)
	respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
		Error:   "Validation failed: " + strings.Join(details, "; "),
		Details: details,
	})
}

func formatValidationErrors(errs validator.ValidationErrors) []string {
	details := make([]string, 0, len(errs))
	for _, fe := range errs {
		details = append(details, formatFieldError(fe))
	}
	return details
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", field)
	case "min":
		switch fe.Kind().String() {
		case "string":
			return fmt.Sprintf("Field '%s' must be at least %s characters long", field, fe.Param())
		case "slice", "array", "map":
			return fmt.Sprintf("Field '%s' must contain at least %s items", field, fe.Param())
		default:
			return fmt.Sprintf("Field '%s' must be at least %s", field, fe.Param())
		}
	case "max":
		return fmt.Sprintf("Field '%s' must be at most %s characters long", field, fe.Param())
	case "email":
		return fmt.Sprintf("Field '%s' must be a valid email address", field)
	case "uuid", "uuid4":
		return fmt.Sprintf("Field '%s' must be a valid UUID", field)
	default:
		return fmt.Sprintf("Field '%s' failed validation on '%s'", field, fe.Tag())
	}
}

func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, order.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, order.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, order.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrGateway):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrInvalidSignature), errors.Is(err, order.ErrMalformedPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage hides internal errors behind fallback.
func clientMessage(err error, fallback string) string {
	switch {
	case errors.Is(err, order.ErrValidation):
		return err.Error()
	case errors.Is(err, order.ErrUnauthenticated):
		return "Authentication required"
	case errors.Is(err, order.ErrForbidden):
		return "Access denied"
	case errors.Is(err, order.ErrOrderNotFound):
		return "Order not found"
	case errors.Is(err, order.ErrGateway):
		return "Payment gateway error"
	case errors.Is(err, order.ErrInvalidSignature):
		return "Invalid webhook signature"
	case errors.Is(err, order.ErrMalformedPayload):
		return "Malformed webhook payload"
	default:
		return fallback
	}
}
