package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFramesReceived(t *testing.T) {
	initial := testutil.ToFloat64(FramesReceived.WithLabelValues("heartbeat"))

	FramesReceived.WithLabelValues("heartbeat").Inc()

	if got := testutil.ToFloat64(FramesReceived.WithLabelValues("heartbeat")); got != initial+1 {
		t.Errorf("FramesReceived[heartbeat] = %v, want %v", got, initial+1)
	}
}

func TestSpoolProcessed(t *testing.T) {
	outcomes := []string{"done", "failed"}

	for _, outcome := range outcomes {
		t.Run(outcome, func(t *testing.T) {
			initial := testutil.ToFloat64(SpoolProcessed.WithLabelValues(outcome))

			SpoolProcessed.WithLabelValues(outcome).Inc()

			if got := testutil.ToFloat64(SpoolProcessed.WithLabelValues(outcome)); got != initial+1 {
				t.Errorf("SpoolProcessed[%s] = %v, want %v", outcome, got, initial+1)
			}
		})
	}
}

func TestParseFailures(t *testing.T) {
	initial := testutil.ToFloat64(ParseFailures.WithLabelValues("missing_hash"))

	ParseFailures.WithLabelValues("missing_hash").Inc()

	if got := testutil.ToFloat64(ParseFailures.WithLabelValues("missing_hash")); got != initial+1 {
		t.Errorf("ParseFailures[missing_hash] = %v, want %v", got, initial+1)
	}
}

func TestDBUpsertDuration(t *testing.T) {
	// Histogram observation should not panic and should be collectible.
	DBUpsertDuration.WithLabelValues("bounce").Observe(0.01)
	DBErrors.Inc()
}

func TestIMAPMessagesProcessed(t *testing.T) {
	initial := testutil.ToFloat64(IMAPMessagesProcessed.WithLabelValues("parsed"))

	IMAPMessagesProcessed.WithLabelValues("parsed").Inc()

	if got := testutil.ToFloat64(IMAPMessagesProcessed.WithLabelValues("parsed")); got != initial+1 {
		t.Errorf("IMAPMessagesProcessed[parsed] = %v, want %v", got, initial+1)
	}
}

func TestObserverEventsAndDrops(t *testing.T) {
	initialEvents := testutil.ToFloat64(ObserverEvents.WithLabelValues("postfix"))
	initialDropped := testutil.ToFloat64(ObserverEventsDropped)
	initialReconnects := testutil.ToFloat64(PublisherReconnects)

	ObserverEvents.WithLabelValues("postfix").Inc()
	ObserverEventsDropped.Inc()
	PublisherReconnects.Inc()

	if got := testutil.ToFloat64(ObserverEvents.WithLabelValues("postfix")); got != initialEvents+1 {
		t.Errorf("ObserverEvents[postfix] = %v, want %v", got, initialEvents+1)
	}
	if got := testutil.ToFloat64(ObserverEventsDropped); got != initialDropped+1 {
		t.Errorf("ObserverEventsDropped = %v, want %v", got, initialDropped+1)
	}
	if got := testutil.ToFloat64(PublisherReconnects); got != initialReconnects+1 {
		t.Errorf("PublisherReconnects = %v, want %v", got, initialReconnects+1)
	}
}

func TestMetricNamesCarryBouncerPrefix(t *testing.T) {
	expected := "bouncer_"

	metricsToCheck := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"FramesAckFailed", FramesAckFailed},
		{"SpoolEnqueued", SpoolEnqueued},
		{"ParseDuration", ParseDuration},
		{"DBErrors", DBErrors},
		{"IMAPPollDuration", IMAPPollDuration},
		{"ObserverEventsDropped", ObserverEventsDropped},
		{"PublisherReconnects", PublisherReconnects},
	}

	for _, m := range metricsToCheck {
		t.Run(m.name, func(t *testing.T) {
			ch := make(chan prometheus.Metric, 1)
			m.metric.Collect(ch)
			metric := <-ch
			desc := metric.Desc().String()
			if !strings.Contains(desc, expected) {
				t.Errorf("metric %s description doesn't contain prefix %s: %s", m.name, expected, desc)
			}
		})
	}
}

func TestHandlerIsNotNil(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}
