package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/go-playground/validator/v10"
)

// problem is the JSON body of every error response.
type problem struct {
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Errors map[string][]string `json:"errors,omitempty"`
}

const validationTitle = "One or more validation errors occurred."

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, code int, title string, fields map[string][]string) {
	writeJSON(w, code, problem{Title: title, Status: code, Errors: fields})
}

// writeError maps a service error onto a status code and problem body.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)

	var verr *common.ValidationError
	if errors.As(err, &verr) {
		title := validationTitle
		if code == http.StatusConflict {
			title = "Already exists."
		}
		writeProblem(w, code, title, verr.ByField())
		return
	}

	switch {
	case errors.Is(err, common.ErrorLockedOut):
		writeProblem(w, code, "Locked out.", nil)
	case code == http.StatusInternalServerError:
		writeProblem(w, code, "Internal error.", nil)
	default:
		writeProblem(w, code, http.StatusText(code)+".", nil)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrorAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, common.ErrorValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrorUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrorForbidden):
		return http.StatusForbidden
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fieldErrors converts validator output into a ValidationError keyed by the
// JSON field names.
func fieldErrors(err error) *common.ValidationError {
	verr := common.NewValidationError()
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		verr.Add("", err.Error())
		return verr
	}
	for _, fe := range ves {
		verr.Add(fe.Field(), ruleMessage(fe))
	}
	return verr
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		if fe.Kind().String() == "slice" {
			return fmt.Sprintf("must contain at least %s items", fe.Param())
		}
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "datetime":
		return fmt.Sprintf("must be a date in the %s format", fe.Param())
	default:
		return "is invalid"
	}
}
