package udrpc

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet records one Endpoint's activity counters, following the same
// expvar.Map pattern the rest of this codebase's ancestry uses for
// human-readable /debug/vars counters, plus a parallel set of Prometheus
// counters (one private registry per Endpoint, so that a process hosting
// many endpoints never collides on metric names) for scraping at the serve
// command's /metrics endpoint.
type metricsSet struct {
	reqPktsTx       expvar.Int
	reqPktsRx       expvar.Int
	respPktsTx      expvar.Int
	respPktsRx      expvar.Int
	rfrTx           expvar.Int
	crTx            expvar.Int
	rxBadPkts       expvar.Int
	lossRetransmits expvar.Int

	emap *expvar.Map

	registry  *prometheus.Registry
	pReqTx    prometheus.Counter
	pReqRx    prometheus.Counter
	pRespTx   prometheus.Counter
	pRespRx   prometheus.Counter
	pRFRTx    prometheus.Counter
	pCRTx     prometheus.Counter
	pBadPkts  prometheus.Counter
	pRetrans  prometheus.Counter
	pSessions prometheus.GaugeFunc
}

func newMetricsSet(name string) *metricsSet {
	m := &metricsSet{emap: new(expvar.Map)}
	m.emap.Set("req_pkts_tx", &m.reqPktsTx)
	m.emap.Set("req_pkts_rx", &m.reqPktsRx)
	m.emap.Set("resp_pkts_tx", &m.respPktsTx)
	m.emap.Set("resp_pkts_rx", &m.respPktsRx)
	m.emap.Set("rfr_tx", &m.rfrTx)
	m.emap.Set("cr_tx", &m.crTx)
	m.emap.Set("rx_bad_pkts", &m.rxBadPkts)
	m.emap.Set("loss_retransmits", &m.lossRetransmits)

	reg := prometheus.NewRegistry()
	mk := func(suffix, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udrpc", Subsystem: name, Name: suffix, Help: help,
		})
		reg.MustRegister(c)
		return c
	}
	m.registry = reg
	m.pReqTx = mk("request_packets_sent_total", "request packets transmitted")
	m.pReqRx = mk("request_packets_received_total", "request packets received")
	m.pRespTx = mk("response_packets_sent_total", "response packets transmitted")
	m.pRespRx = mk("response_packets_received_total", "response packets received")
	m.pRFRTx = mk("rfr_packets_sent_total", "request-for-response packets transmitted")
	m.pCRTx = mk("cr_packets_sent_total", "credit-return packets transmitted")
	m.pBadPkts = mk("bad_packets_total", "packets dropped for a decode or magic-byte error")
	m.pRetrans = mk("loss_retransmits_total", "packets retransmitted by the loss-detection sweep")
	return m
}

// bindSessionGauge registers a gauge reporting f() on every Prometheus
// scrape; called once an Endpoint exists to report NumActiveSessions.
func (m *metricsSet) bindSessionGauge(f func() float64) {
	m.pSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "udrpc", Name: "active_sessions", Help: "sessions currently in state CONNECTED",
	}, f)
	m.registry.MustRegister(m.pSessions)
}

// Registry exposes this Endpoint's private Prometheus registry, for mounting
// behind an HTTP handler (see cmd/udrpc's serve command).
func (e *Endpoint) Registry() *prometheus.Registry { return e.metrics.registry }

// Vars exposes this Endpoint's expvar.Map, for mounting at /debug/vars.
func (e *Endpoint) Vars() *expvar.Map { return e.metrics.emap }

// The expvar.Int and prometheus.Counter updates are kept in lockstep by
// small wrapper methods rather than scattering both updates across tx.go and
// rx.go.
func (m *metricsSet) incReqTx(n int64) {
	m.reqPktsTx.Add(n)
	m.pReqTx.Add(float64(n))
}
func (m *metricsSet) incReqRx() {
	m.reqPktsRx.Add(1)
	m.pReqRx.Add(1)
}
func (m *metricsSet) incRespTx() {
	m.respPktsTx.Add(1)
	m.pRespTx.Add(1)
}
func (m *metricsSet) incRespRx() {
	m.respPktsRx.Add(1)
	m.pRespRx.Add(1)
}
func (m *metricsSet) incRFRTx() {
	m.rfrTx.Add(1)
	m.pRFRTx.Add(1)
}
func (m *metricsSet) incCRTx() {
	m.crTx.Add(1)
	m.pCRTx.Add(1)
}
func (m *metricsSet) incBadPkt() {
	m.rxBadPkts.Add(1)
	m.pBadPkts.Add(1)
}
func (m *metricsSet) incRetransmit() {
	m.lossRetransmits.Add(1)
	m.pRetrans.Add(1)
}
