package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestMetrics_Exposed(t *testing.T) {
	m := New()
	m.Round(3)
	m.Program("accepted")
	m.Program("rejected")
	m.Program("rejected")
	m.Shuffle()
	m.DiscoveredPairs(12)
	m.CoveredBranches(40)
	m.Generate(time.Second)
	m.FusionBatch(false, 2*time.Second)

	body := scrape(t, m)
	for _, want := range []string{
		"promptfuzz_rounds_total 1",
		"promptfuzz_quiet_rounds 3",
		`promptfuzz_programs_total{status="rejected"} 2`,
		"promptfuzz_prompt_shuffles_total 1",
		"promptfuzz_discovered_api_pairs 12",
		"promptfuzz_covered_branches 40",
		`promptfuzz_fusion_batches_total{result="failed"} 1`,
		"promptfuzz_generate_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Round(1)
	m.Program("accepted")
	m.FusionBatch(true, time.Second)
}
