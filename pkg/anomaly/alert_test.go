package anomaly

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/aegis-labs/aegis/core/pkg/contracts"
)

func TestAlerterDeduplicatesPerCondition(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	a := NewAlerter(srv.URL)
	ctx := context.Background()
	alert := Alert{Condition: "lockout:eve", Severity: contracts.SeverityHigh, Detail: "x", At: time.Now()}

	require.NoError(t, a.Send(ctx, alert))
	require.NoError(t, a.Send(ctx, alert))
	assert.Equal(t, 1, rec.count())

	alert.Condition = "lockout:mallory"
	require.NoError(t, a.Send(ctx, alert))
	assert.Equal(t, 2, rec.count())
}

func TestAlerterFiltersBySeverity(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	a := NewAlerter(srv.URL, WithMinSeverity(contracts.SeverityCritical))
	require.NoError(t, a.Send(context.Background(), Alert{
		Condition: "c1", Severity: contracts.SeverityHigh, Detail: "x",
	}))
	assert.Equal(t, 0, rec.count())
}

func TestAlerterThrottleDropsNotBlocks(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	a := NewAlerter(srv.URL, WithRateLimit(rate.NewLimiter(rate.Every(time.Hour), 1)))
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, Alert{Condition: "c1", Severity: contracts.SeverityHigh}))
	require.NoError(t, a.Send(ctx, Alert{Condition: "c2", Severity: contracts.SeverityHigh}))
	assert.Equal(t, 1, rec.count())
}

func TestAlerterSurfacesWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAlerter(srv.URL)
	err := a.Send(context.Background(), Alert{Condition: "c1", Severity: contracts.SeverityHigh})
	assert.Error(t, err)
}
