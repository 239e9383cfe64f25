package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"coursegate/internal/access"
	"coursegate/internal/types"
)

// Validator wraps go-playground/validator with the project's custom tags
// and maps failures onto validation AppErrors.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator. Field names in errors use the json tag.
//
// Custom tags:
//   - next: empty, or a same-origin relative path accepted by access.SanitizeNext.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("next", validateNext); err != nil {
		logger.Error("failed to register validation tag", slog.String("tag", "next"), slog.Any("error", err))
	}

	return &Validator{validate: v, logger: logger}
}

func validateNext(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	return raw == "" || access.SanitizeNext(raw) != ""
}

// ValidateStruct validates s and returns the first failure as an AppError
// with the offending field in Details.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		v.logger.Error("struct validation failed unexpectedly", slog.Any("error", err))
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	fe := verrs[0]
	details := map[string]any{"field": fe.Field()}

	switch fe.Tag() {
	case "required":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField, fe.Field()+" is required", err, details)
	case "email":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidEmail, "invalid email address", err, details)
	case "next":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPath, "next must be a same-site path", err, details)
	case "oneof":
		details["allowed"] = strings.Fields(fe.Param())
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidProvider, fe.Field()+" is not supported", err, details)
	default:
		details["rule"] = fe.Tag()
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField, fe.Field()+" is invalid", err, details)
	}
}
