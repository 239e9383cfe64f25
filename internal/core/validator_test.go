package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegate/internal/types"
)

type signupForm struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Provider string `json:"provider,omitempty" validate:"omitempty,oneof=google github"`
	Next     string `json:"next,omitempty" validate:"next"`
}

func TestValidateStruct(t *testing.T) {
	v := NewValidator(discardLogger())

	tests := []struct {
		name      string
		form      signupForm
		wantCode  types.ErrorCode
		wantField string
	}{
		{"valid", signupForm{Email: "ada@example.com", Password: "pw", Next: "/course/welcome"}, "", ""},
		{"missing email", signupForm{Password: "pw"}, types.ErrCodeValidationMissingField, "email"},
		{"bad email", signupForm{Email: "ada", Password: "pw"}, types.ErrCodeValidationInvalidEmail, "email"},
		{"bad provider", signupForm{Email: "ada@example.com", Password: "pw", Provider: "myspace"}, types.ErrCodeValidationInvalidProvider, "provider"},
		{"off-site next", signupForm{Email: "ada@example.com", Password: "pw", Next: "https://evil.example/"}, types.ErrCodeValidationInvalidPath, "next"},
		{"scheme-relative next", signupForm{Email: "ada@example.com", Password: "pw", Next: "//evil.example"}, types.ErrCodeValidationInvalidPath, "next"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStruct(tt.form)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}

			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantCode, appErr.Code)
			assert.Equal(t, tt.wantField, appErr.Details["field"])
		})
	}
}
