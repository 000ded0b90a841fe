package errors

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{APR_MISSING_IDENTITY, http.StatusBadRequest},
		{APR_MISSING_UPLOAD_KEY, http.StatusBadRequest},
		{APR_AUTHN, http.StatusUnauthorized},
		{APR_JWT_EXPIRED, http.StatusUnauthorized},
		{APR_AUTHZ, http.StatusForbidden},
		{APR_NOT_FOUND, http.StatusNotFound},
		{APR_ALREADY_RESOLVED, http.StatusConflict},
		{APR_UNAVAILABLE, http.StatusServiceUnavailable},
		{APR_INTERNAL, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x", "").HTTPStatus; got != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestErrorJSONOmitsStatus(t *testing.T) {
	e := NewWithDetails(APR_ALREADY_RESOLVED, "already resolved", "corr-1", map[string]string{"resolution": "EXPIRED"})
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if strings.Contains(s, "HTTPStatus") || !strings.Contains(s, `"correlationId":"corr-1"`) || !strings.Contains(s, `"resolution":"EXPIRED"`) {
		t.Errorf("unexpected JSON %s", s)
	}
	if !strings.Contains(e.Error(), "APR_ALREADY_RESOLVED") {
		t.Errorf("Error() = %q", e.Error())
	}
}
