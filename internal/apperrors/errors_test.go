package apperrors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error_OmitsDetailsWhenEmpty(t *testing.T) {
	err := Validation("name is required")
	assert.Equal(t, "VALIDATION_ERROR: name is required", err.Error())
}

func TestAppError_Error_IncludesDetailsWhenPresent(t *testing.T) {
	err := NoCompatibleNodes("no node satisfies resource requests")
	assert.Equal(t, "NO_COMPATIBLE_NODES: no compatible node available (no node satisfies resource requests)", err.Error())
}

func TestAppError_ToPayload_CarriesCodeAndMessageOnly(t *testing.T) {
	err := NotFound("node")
	payload := err.ToPayload()
	assert.Equal(t, "NOT_FOUND", payload.Code)
	assert.Equal(t, "node not found", payload.Message)
}

func TestConstructors_SetExpectedStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  *AppError
		code int
	}{
		{"Unauthorized", Unauthorized("x"), 401},
		{"AuthFailed", AuthFailed("x"), 401},
		{"Validation", Validation("x"), 400},
		{"NotFound", NotFound("x"), 404},
		{"Conflict", Conflict("x"), 409},
		{"Forbidden", Forbidden("x"), 403},
		{"MessageTooLarge", MessageTooLarge("x"), 413},
		{"NoCompatibleNodes", NoCompatibleNodes("x"), 409},
		{"Internal", Internal("x"), 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, tc.err.StatusCode)
		})
	}
}
