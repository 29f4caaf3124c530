package dmarcdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moxreport_dmarcdb_evaluations_total",
			Help: "DMARC evaluations accumulated for aggregate reports, by result (stored, error).",
		},
		[]string{"result"},
	)
	metricReport = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moxreport_dmarcdb_report_queued_total",
			Help: "Total messages with DMARC aggregate/error reports queued.",
		},
	)
	metricReportError = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moxreport_dmarcdb_report_error_total",
			Help: "Total errors while generating, composing or queueing DMARC aggregate/error reports.",
		},
	)
	metricUnauthorized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moxreport_dmarcdb_unauthorized_total",
			Help: "Reports not sent because no report address could be verified, by kind (aggregate, failure) and reason (dns, none).",
		},
		[]string{"kind", "reason"},
	)
	metricFailureReport = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moxreport_dmarcdb_failure_report_total",
			Help: "DMARC failure reports, by result (queued, ratelimited, error).",
		},
		[]string{"result"},
	)
)
