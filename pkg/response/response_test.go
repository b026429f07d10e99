package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/backend/internal/apperr"
)

func TestErrorMapsKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{apperr.Validation("amount must be positive"), http.StatusBadRequest, "amount must be positive"},
		{apperr.New(apperr.KindFraudBlocked, "payment blocked for security reasons"), http.StatusForbidden, "payment blocked for security reasons"},
		{apperr.Wrap(apperr.KindGateway, "gateway unavailable", errors.New("dial tcp: timeout")), http.StatusBadGateway, "gateway unavailable"},
		{errors.New("pq: relation missing"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Error(c, tc.err)

		assert.Equal(t, tc.status, w.Code)
		var body Body
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.False(t, body.Success)
		assert.Equal(t, tc.msg, body.Error)
	}
}
