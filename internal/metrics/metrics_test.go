package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"registry_watch/internal/model"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePoll(ResultSuccess, 250*time.Millisecond)
	m.ObservePoll(ResultFailure, time.Second)
	m.AddChanges(&model.DiffResult{
		NewServers:     []*model.Change{{}, {}},
		RemovedServers: []*model.Change{{}},
	})
	m.Notification(model.ChannelWebhook, ResultSuccess)
	m.SetSnapshotServers(42)

	want := `
# HELP registry_watch_changes_detected_total Detected server changes by type.
# TYPE registry_watch_changes_detected_total counter
registry_watch_changes_detected_total{type="new"} 2
registry_watch_changes_detected_total{type="removed"} 1
registry_watch_changes_detected_total{type="updated"} 0
# HELP registry_watch_polls_total Poll cycles by result.
# TYPE registry_watch_polls_total counter
registry_watch_polls_total{result="failure"} 1
registry_watch_polls_total{result="success"} 1
# HELP registry_watch_snapshot_servers Servers in the latest snapshot.
# TYPE registry_watch_snapshot_servers gauge
registry_watch_snapshot_servers 42
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"registry_watch_changes_detected_total",
		"registry_watch_polls_total",
		"registry_watch_snapshot_servers",
	)
	if err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.notifications.WithLabelValues("webhook", ResultSuccess)); got != 1 {
		t.Errorf("notifications = %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObservePoll(ResultSuccess, time.Second)
	m.AddChanges(&model.DiffResult{})
	m.Notification(model.ChannelSlack, ResultFailure)
	m.SetSnapshotServers(1)
}
