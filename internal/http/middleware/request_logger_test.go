package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

func TestRequestLoggerRecordsStatusAndSession(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "info")
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	req := httptest.NewRequest(http.MethodPatch, "/api/scenarios/template/5/messages/1", nil)
	req.Header.Set("X-Admin-Session", "alice")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"status":409`)
	assert.Contains(t, out, `"admin_session":"alice"`)
	assert.Contains(t, out, `"level":"INFO"`)
}

func TestRequestLoggerLogsServerErrorsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	h := RequestLogger(logging.NewWithWriter(&buf, "info"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/patients/1/send", nil))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}
