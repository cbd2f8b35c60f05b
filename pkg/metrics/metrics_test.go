package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTransportMetrics(t *testing.T) {
	DatagramsReceived.Reset()
	OversizedRequests.Reset()
	TruncatedResponses.Reset()

	DatagramsReceived.WithLabelValues("udpmail").Inc()
	DatagramsReceived.WithLabelValues("udpmail").Inc()
	OversizedRequests.WithLabelValues("udpmail").Inc()
	TruncatedResponses.WithLabelValues("udpmail", "GET_EMAIL").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(DatagramsReceived.WithLabelValues("udpmail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(OversizedRequests.WithLabelValues("udpmail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(TruncatedResponses.WithLabelValues("udpmail", "GET_EMAIL")))
}

func TestRequestMetrics(t *testing.T) {
	RequestsTotal.Reset()

	tests := []struct {
		command string
		status  string
		count   int
	}{
		{"REGISTER", "success", 2},
		{"LOGIN", "error", 3},
		{"GET_EMAILS", "success", 1},
	}

	for _, tt := range tests {
		for i := 0; i < tt.count; i++ {
			RequestsTotal.WithLabelValues(tt.command, tt.status).Inc()
		}
	}
	for _, tt := range tests {
		assert.Equal(t, float64(tt.count), testutil.ToFloat64(RequestsTotal.WithLabelValues(tt.command, tt.status)), tt.command)
	}
}

func TestGaugeMetrics(t *testing.T) {
	AccountsCurrent.Set(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(AccountsCurrent))

	InflightRequests.WithLabelValues("udpmail").Inc()
	InflightRequests.WithLabelValues("udpmail").Dec()
	assert.Equal(t, 0.0, testutil.ToFloat64(InflightRequests.WithLabelValues("udpmail")))
}

func TestMetricsExposition(t *testing.T) {
	AuthenticationAttempts.Reset()
	AuthenticationAttempts.WithLabelValues("success").Inc()

	expected := `
# HELP udpmail_authentication_attempts_total Total number of LOGIN attempts
# TYPE udpmail_authentication_attempts_total counter
udpmail_authentication_attempts_total{result="success"} 1
`
	err := testutil.CollectAndCompare(AuthenticationAttempts, strings.NewReader(expected))
	assert.NoError(t, err)
}

func TestMetricsRegisteredWithDefaultRegistry(t *testing.T) {
	MessagesStored.Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	assert.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["udpmail_messages_stored_total"])
	assert.True(t, names["udpmail_authentication_attempts_total"])
}
