package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	domainErrors "github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/cassiomorais/payflow/internal/infrastructure/observability"
	"github.com/cassiomorais/payflow/internal/interfaces/http/dto"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var validate = validator.New()

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domainErrors.ErrPaymentNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrRefundNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrEventNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := dto.ErrorResponse{Error: err.Error()}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		resp.Code = domainErrors.CodeValidation
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			writeJSON(w, m.status, resp)
			return
		}
	}

	logger := observability.LoggerWithTrace(r.Context(), *zerolog.Ctx(r.Context()))
	logger.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error in handler")
	resp.Code = domainErrors.CodeInternal
	resp.Error = "internal server error"
	writeJSON(w, http.StatusInternalServerError, resp)
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domainErrors.NewValidationError("id", "must be a UUID")
	}
	return id, nil
}
