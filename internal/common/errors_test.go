package common

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"nil":             {nil, http.StatusOK},
		"validation":      {NewAppError("VALIDATION_ERROR", "rubric missing not found", ErrValidation), http.StatusBadRequest},
		"wrapped invalid": {fmt.Errorf("extract a.docx: %w", ErrInvalidInput), http.StatusBadRequest},
		"not found":       {NotFoundErrorf("batch %s", "b1"), http.StatusNotFound},
		"conflict":        {ConflictErrorf("job %s is running", "fp"), http.StatusConflict},
		"shutdown":        {fmt.Errorf("enqueue: %w", ErrShutdown), http.StatusServiceUnavailable},
		"database":        {fmt.Errorf("get: %w: %w", ErrDatabase, errors.New("conn reset")), http.StatusInternalServerError},
		"unclassified":    {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestAppErrorMessageAndUnwrap(t *testing.T) {
	err := NewAppError("VALIDATION_ERROR", "rubric missing not found", ErrValidation)
	assert.Equal(t, "VALIDATION_ERROR: rubric missing not found: validation failed", err.Error())
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "CONFLICT: x", (&AppError{Code: "CONFLICT", Message: "x"}).Error())
}
