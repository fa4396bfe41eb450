package apperror

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FieldError describes one failed field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// JSONTagName reports struct fields by their json name. Register it on every
// validator instance whose errors reach clients.
func JSONTagName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func formatFieldName(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	return cases.Title(language.English).String(s)
}

func describe(e validator.FieldError) string {
	label := formatFieldName(e.Field())
	switch e.Tag() {
	case "required":
		return label + " is required"
	case "min", "gte":
		return label + " must be at least " + e.Param()
	case "max", "lte":
		return label + " must be at most " + e.Param()
	case "oneof":
		return label + " must be one of " + e.Param()
	case "latitude", "longitude":
		return label + " is not a valid " + e.Tag()
	default:
		return label + " is invalid"
	}
}

// FieldErrors flattens validator errors; it returns nil for anything else.
func FieldErrors(err error) []FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return nil
	}
	out := make([]FieldError, 0, len(errs))
	for _, e := range errs {
		out = append(out, FieldError{Field: e.Field(), Rule: e.Tag(), Message: describe(e)})
	}
	return out
}

// MapValidationError turns validator errors into a VALIDATION_ERROR whose
// message names the first failing field and whose details list all of them.
func MapValidationError(err error) *AppError {
	fields := FieldErrors(err)
	if len(fields) == 0 {
		return Wrap(err, CodeValidation, ErrValidation.Message, ErrValidation.HTTPStatus)
	}
	return &AppError{
		Code:       CodeValidation,
		Message:    fields[0].Message,
		HTTPStatus: ErrValidation.HTTPStatus,
		Details:    fields,
		Err:        err,
	}
}
