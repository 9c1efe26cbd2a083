package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LarsSch/privmx-sub001/protocol"
)

var requestTypeNames = map[int]string{
	protocol.GetKeyStoreType:            "get_key_store",
	protocol.InsertKeyStoreType:         "insert_key_store",
	protocol.UpdateKeyStoreType:         "update_key_store",
	protocol.InsertOrUpdateKeyStoreType: "insert_or_update_key_store",
	protocol.GetHistoryType:             "get_history",
	protocol.SignTreeType:               "sign_tree",
	protocol.GetServerKeyStoreType:      "get_server_key_store",
	protocol.GetTreeSignaturesType:      "get_tree_signatures",
}

func requestTypeName(t int) string {
	if name, ok := requestTypeNames[t]; ok {
		return name
	}
	return strconv.Itoa(t)
}

// metrics are the server's prometheus collectors. Each server has its
// own registry.
type metrics struct {
	domain          string
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cosignatures    *prometheus.CounterVec
	rateLimited     prometheus.Counter
	treeSeq         prometheus.Gauge
}

func newMetrics(domain string) *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &metrics{
		domain:   domain,
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "privmx_pki_requests_total",
			Help: "Requests handled, by type and outcome (success or error code).",
		}, []string{"type", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "privmx_pki_request_duration_seconds",
			Help:    "Time spent handling requests, by type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		cosignatures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "privmx_pki_cosignatures_total",
			Help: "Cosignatures collected for local snapshots, by outcome.",
		}, []string{"outcome"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "privmx_pki_sign_tree_rate_limited_total",
			Help: "signTree requests rejected by the per-domain rate limit.",
		}),
		treeSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "privmx_pki_tree_seq",
			Help: "Sequence number of the head snapshot served last.",
		}),
	}
}

func (m *metrics) observe(reqType int, res *protocol.Response, seconds float64) {
	name := requestTypeName(reqType)
	outcome := "success"
	if res.Error != protocol.ReqSuccess {
		outcome = strconv.Itoa(int(res.Error))
	}
	m.requests.WithLabelValues(name, outcome).Inc()
	m.requestDuration.WithLabelValues(name).Observe(seconds)

	switch df := res.DirectoryResponse.(type) {
	case *protocol.KeyStoreResponse:
		if df.Tree != nil && df.Domain == m.domain {
			m.treeSeq.Set(float64(df.Tree.Seq))
		}
	case *protocol.TreeSignaturesResponse:
		m.cosignatures.WithLabelValues("signed").Add(float64(len(df.Signatures)))
		m.cosignatures.WithLabelValues("failed").Add(float64(len(df.Warnings)))
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
