package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gemini-gateway/internal/apperrors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSuccess(t *testing.T) {
	tests := []struct {
		name string
		data any
	}{
		{name: "with data", data: map[string]string{"key": "value"}},
		{name: "with nil data", data: nil},
		{name: "with array data", data: []string{"item1", "item2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			Success(c, tt.data)

			assert.Equal(t, http.StatusOK, w.Code)

			var resp SuccessResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, 0, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name           string
		apiErr         *apperrors.APIError
		expectedStatus int
		expectedCode   string
	}{
		{name: "bad request", apiErr: apperrors.ErrBadRequest, expectedStatus: http.StatusBadRequest, expectedCode: "BAD_REQUEST"},
		{name: "not found", apiErr: apperrors.ErrResourceNotFound, expectedStatus: http.StatusNotFound, expectedCode: "NOT_FOUND"},
		{name: "internal server error", apiErr: apperrors.ErrInternalServer, expectedStatus: http.StatusInternalServerError, expectedCode: "INTERNAL_SERVER_ERROR"},
		{name: "no available keys", apiErr: apperrors.ErrNoAvailableKeys, expectedStatus: http.StatusServiceUnavailable, expectedCode: "NO_AVAILABLE_KEYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			Error(c, tt.apiErr)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedCode, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}
