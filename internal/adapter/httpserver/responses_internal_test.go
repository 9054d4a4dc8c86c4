package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talesofai/nietest/internal/domain"
)

func TestWriteData_Envelope(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	writeData(w, "登录成功", map[string]any{"token": "abc"})

	res := w.Result()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", res.Header.Get("Content-Type"))

	var obj map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&obj))
	_ = res.Body.Close()
	assert.Equal(t, float64(200), obj["code"])
	assert.Equal(t, "登录成功", obj["message"])
	data, ok := obj["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc", data["token"])
}

func TestWriteError_StatusMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err        error
		wantStatus int
	}{
		"spec invalid":     {fmt.Errorf("%w: bad spec", domain.ErrSpecInvalid), http.StatusBadRequest},
		"invalid argument": {fmt.Errorf("%w: bad arg", domain.ErrInvalidArgument), http.StatusBadRequest},
		"unauthorized":     {fmt.Errorf("%w: no token", domain.ErrUnauthorized), http.StatusUnauthorized},
		"forbidden":        {fmt.Errorf("%w: nope", domain.ErrForbidden), http.StatusForbidden},
		"not found":        {fmt.Errorf("%w: gone", domain.ErrNotFound), http.StatusNotFound},
		"conflict":         {fmt.Errorf("%w: busy", domain.ErrConflict), http.StatusConflict},
		"unknown":          {assert.AnError, http.StatusInternalServerError},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			writeError(w, r, tc.err)

			res := w.Result()
			require.Equal(t, tc.wantStatus, res.StatusCode)

			var obj map[string]any
			require.NoError(t, json.NewDecoder(res.Body).Decode(&obj))
			_ = res.Body.Close()
			assert.Equal(t, float64(tc.wantStatus), obj["code"], "envelope code mirrors the HTTP status")
			assert.Equal(t, tc.err.Error(), obj["message"])
			_, hasData := obj["data"]
			assert.False(t, hasData, "error envelopes carry no data")
		})
	}
}

func TestWriteError_UnauthorizedChallenges(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	writeError(w, r, fmt.Errorf("%w: 无效的认证凭据", domain.ErrUnauthorized))

	res := w.Result()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "Bearer", res.Header.Get("WWW-Authenticate"))
}
