package components

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kago/internal/config"
	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/session"
)

type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) Status(ctx context.Context) ([]session.ChatStatus, error) {
	args := m.Called(ctx)
	statuses, _ := args.Get(0).([]session.ChatStatus)
	return statuses, args.Error(1)
}

func (m *MockSessions) Reset(ctx context.Context, chatID, model string) error {
	args := m.Called(ctx, chatID, model)
	return args.Error(0)
}

func newTestHTTP(sessions sessionControl) http.Handler {
	h := NewHTTPServerComponent(nil, &config.ServerConfig{Port: 8080}, nil)
	h.sessions = sessions
	return h.routes()
}

func TestHTTPServerDependencies(t *testing.T) {
	comp := NewHTTPServerComponent(nil, &config.ServerConfig{Port: 8080}, nil)
	assert.ElementsMatch(t, []string{"StoreWorker", "Adapters", "Containers", "IPC", "Sessions", "Scheduler"}, comp.Dependencies())
}

func TestHandleHealthWithoutDaemon(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHTTP(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	newTestHTTP(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSessions(t *testing.T) {
	sessions := new(MockSessions)
	sessions.On("Status", mock.Anything).Return([]session.ChatStatus{{ChatID: "tg:1", Active: true, Container: "kago-tg-1-1", Pending: 2}}, nil).Once()

	rec := httptest.NewRecorder()
	newTestHTTP(sessions).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []session.ChatStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "tg:1", got[0].ChatID)
	assert.Equal(t, 2, got[0].Pending)

	sessions.On("Status", mock.Anything).Return(nil, nil).Once()
	rec = httptest.NewRecorder()
	newTestHTTP(sessions).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, "[]\n", rec.Body.String())

	sessions.On("Status", mock.Anything).Return(nil, kagoerrors.Transient("registry stopped")).Once()
	rec = httptest.NewRecorder()
	newTestHTTP(sessions).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	sessions.AssertExpectations(t)
}

func TestHandleSessionsUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHTTP(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleReset(t *testing.T) {
	sessions := new(MockSessions)
	sessions.On("Reset", mock.Anything, "slack:C1", "opus").Return(nil).Once()

	rec := httptest.NewRecorder()
	newTestHTTP(sessions).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/reset", strings.NewReader(`{"chat_id":" slack:C1 ","model":"opus"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	sessions.AssertExpectations(t)

	tests := []struct {
		name   string
		method string
		body   string
		err    error
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, body: "", want: http.StatusMethodNotAllowed},
		{name: "bad json", method: http.MethodPost, body: "{", want: http.StatusBadRequest},
		{name: "missing chat", method: http.MethodPost, body: `{"model":"x"}`, want: http.StatusBadRequest},
		{name: "store failure", method: http.MethodPost, body: `{"chat_id":"tg:1"}`, err: kagoerrors.Internal("disk full"), want: http.StatusInternalServerError},
		{name: "registry stopped", method: http.MethodPost, body: `{"chat_id":"tg:1"}`, err: kagoerrors.Transient("stopped"), want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := new(MockSessions)
			sessions.On("Reset", mock.Anything, "tg:1", "").Return(tt.err).Maybe()

			rec := httptest.NewRecorder()
			newTestHTTP(sessions).ServeHTTP(rec, httptest.NewRequest(tt.method, "/sessions/reset", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
