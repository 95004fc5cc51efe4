package monitor

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/operant/pkg/ticket"
)

func TestHealthHandlerReportsHealthyWithNoErrors(t *testing.T) {
	store := newTestTicketStore(t)
	l := New("fake-subject", fakeObserver{}, fakeChecker{}, store, 0)
	l.tick(context.Background(), noopLogger())

	s := NewServer()
	s.Register("fake-subject", l)

	e := echo.New()
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.healthHandler(c))
	assert.Equal(t, 200, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, healthStatusHealthy, body.Status)
	assert.Equal(t, healthStatusHealthy, body.Checks["fake-subject"].Status)
}

func TestHealthHandlerReportsDegradedOnLastError(t *testing.T) {
	store := newTestTicketStore(t)
	l := New("fake-subject", fakeObserver{err: assert.AnError}, fakeChecker{}, store, 0)
	l.tick(context.Background(), noopLogger())

	s := NewServer()
	s.Register("fake-subject", l)

	e := echo.New()
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.healthHandler(c))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, healthStatusDegraded, body.Status)
	assert.NotEmpty(t, body.Checks["fake-subject"].Error)
}
