package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	prmtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	before := prmtest.ToFloat64(LLMRequests.WithLabelValues("openai", "gpt-4o-mini", "ok"))
	LLMRequests.WithLabelValues("openai", "gpt-4o-mini", "ok").Inc()
	LLMRequests.WithLabelValues("openai", "gpt-4o-mini", "ok").Inc()
	after := prmtest.ToFloat64(LLMRequests.WithLabelValues("openai", "gpt-4o-mini", "ok"))
	assert.Equal(t, before+2, after)

	Tokens.WithLabelValues("openai", "gpt-4o-mini", "prompt").Add(120)
	assert.GreaterOrEqual(t,
		prmtest.ToFloat64(Tokens.WithLabelValues("openai", "gpt-4o-mini", "prompt")), 120.0)
}

func TestGaugesTrackState(t *testing.T) {
	WorkersBusy.Set(3)
	assert.Equal(t, 3.0, prmtest.ToFloat64(WorkersBusy))
	WorkersBusy.Set(0)
	assert.Equal(t, 0.0, prmtest.ToFloat64(WorkersBusy))

	BreakerOpen.WithLabelValues("azure").Set(1)
	assert.Equal(t, 1.0, prmtest.ToFloat64(BreakerOpen.WithLabelValues("azure")))
	BreakerOpen.WithLabelValues("azure").Set(0)
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	Claims.WithLabelValues("AIReview", "acquired").Inc()
	JobDuration.WithLabelValues("AIReview", "completed").Observe(1.5)
	ParseFailures.WithLabelValues("Review").Inc()
	ChunksPerReview.Observe(4)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	for _, name := range []string{
		"aireview_job_claims_total",
		"aireview_job_duration_seconds",
		"aireview_parse_failures_total",
		"aireview_chunks_per_review",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(text, name), "missing metric %s", name)
	}
}
