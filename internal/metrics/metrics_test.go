package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeHost(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Grants.Example.com/path", "grants.example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeHost(tc.input))
		})
	}
}

func TestObserversInitializeLazily(t *testing.T) {
	ObserveRobotsFallback()
	ObserveHostWait("https://grants.example.org/a", 2*time.Second)
	ObserveAnalysis("analyzed")
	SetScheduler(4, 2)
	StreamOpened()
	StreamOpened()
	StreamClosed()

	require.GreaterOrEqual(t, testutil.ToFloat64(robotsFallbackTotal), 1.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(analysesTotal.WithLabelValues("analyzed")), 1.0)
	require.Equal(t, 4.0, testutil.ToFloat64(schedulerQueueDepth))
	require.Equal(t, 2.0, testutil.ToFloat64(schedulerActiveJobs))
	require.Equal(t, 1.0, testutil.ToFloat64(streamsOpen))
	require.Positive(t, testutil.CollectAndCount(hostWaitSeconds))
}

func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
