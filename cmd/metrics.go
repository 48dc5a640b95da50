package cmd

import (
	"net/http"

	sigma "github.com/markuskont/go-sigma-detections"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	metricEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sigma",
		Subsystem: "run",
		Name:      "events_total",
		Help:      "Total number of events read from input",
	})
	metricDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sigma",
		Subsystem: "run",
		Name:      "decode_errors_total",
		Help:      "Total number of input lines that were not valid JSON objects",
	})
	metricMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sigma",
		Subsystem: "run",
		Name:      "matches_total",
		Help:      "Total number of rule matches",
	}, []string{"rule_id"})
	metricMatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sigma",
		Subsystem: "run",
		Name:      "event_match_duration_seconds",
		Help:      "Time spent matching a single event against the full ruleset",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
	})
	metricRules = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sigma",
		Subsystem: "ruleset",
		Name:      "rules",
		Help:      "Number of rules per compile state",
	}, []string{"state"})
)

func reportRuleset(rs *sigma.Ruleset) {
	metricRules.WithLabelValues("ok").Set(float64(rs.Ok))
	metricRules.WithLabelValues("failed").Set(float64(rs.Failed))
	metricRules.WithLabelValues("unsupported").Set(float64(rs.Unsupported))
}

// serveMetrics exposes prometheus endpoint in background
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logrus.Infof("serving metrics on %s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logrus.Error(err)
		}
	}()
}
