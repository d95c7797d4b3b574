package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordLogin_IncrementsCounterPerLabel は認証方式・結果別にカウントされることを検証する。
func TestRecordLogin_IncrementsCounterPerLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("credential", "success")
	c.RecordLogin("credential", "success")
	c.RecordLogin("credential", "invalid_credentials")
	c.RecordLogin("external", "success")

	m := findMetric(t, reg, "tablegate_login_total", map[string]string{"source": "credential", "result": "success"})
	if m == nil {
		t.Fatal("tablegate_login_total{credential,success} not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("credential success = %v, want 2", v)
	}

	m = findMetric(t, reg, "tablegate_login_total", map[string]string{"source": "external", "result": "success"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("external success should be 1")
	}
}

// TestRecordReconciliation_IncrementsCounter は照合結果が記録されることを検証する。
func TestRecordReconciliation_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordReconciliation("created")
	c.RecordReconciliation("conflict_retry")
	c.RecordReconciliation("conflict_retry")

	m := findMetric(t, reg, "tablegate_reconciliation_total", map[string]string{"outcome": "conflict_retry"})
	if m == nil {
		t.Fatal("conflict_retry metric not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("conflict_retry = %v, want 2", v)
	}
}

// TestRecordTokenRefresh_IncrementsCounter はリフレッシュ結果が記録されることを検証する。
func TestRecordTokenRefresh_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenRefresh("refreshed")
	c.RecordTokenRefresh("failed")

	for _, result := range []string{"refreshed", "failed"} {
		m := findMetric(t, reg, "tablegate_token_refresh_total", map[string]string{"result": result})
		if m == nil || m.GetCounter().GetValue() != 1 {
			t.Errorf("token refresh %s should be 1", result)
		}
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はステータスコード別に記録されることを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(401)

	m := findMetric(t, reg, "tablegate_http_status_total", map[string]string{"status_code": "200"})
	if m == nil || m.GetCounter().GetValue() != 2 {
		t.Error("status 200 should be counted twice")
	}
	m = findMetric(t, reg, "tablegate_http_status_total", map[string]string{"status_code": "401"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("status 401 should be counted once")
	}
}

// TestRecordRequestLatency_ObservesHistogram はレイテンシがヒストグラムに記録されることを検証する。
func TestRecordRequestLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRequestLatency(150 * time.Millisecond)

	m := findMetric(t, reg, "tablegate_http_request_duration_seconds", nil)
	if m == nil {
		t.Fatal("latency histogram not found")
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestNop_DoesNotPanic(t *testing.T) {
	var c MetricsCollector = Nop{}
	c.RecordLogin("credential", "success")
	c.RecordReconciliation("found")
	c.RecordTokenRefresh("refreshed")
	c.RecordHTTPStatus(500)
	c.RecordRequestLatency(time.Second)
}
