// Package metrics exports endpoint statistics as Prometheus metrics.
package metrics

import (
	"net/http"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghettovoice/sipcore/sip"
)

// DefaultNamespace is used when the collector namespace is empty.
const DefaultNamespace = "sip"

// Collector is a [prometheus.Collector] reading counters from a [sip.StatsRecorder] on every scrape.
type Collector struct {
	rcdr *sip.StatsRecorder

	msgsRecv,
	msgsSent,
	retrans,
	sendErrs,
	txsActive,
	txsTotal,
	txsTimedOut,
	txsTranspFailed,
	parseErrs,
	strayRess,
	unclaimedReqs,
	strayAcks *prometheus.Desc
}

// NewCollector creates a collector of the recorder counters.
func NewCollector(rcdr *sip.StatsRecorder, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	transpLabels := []string{"proto", "local_addr"}
	return &Collector{
		rcdr: rcdr,
		msgsRecv: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transport", "messages_received_total"),
			"Number of messages received by the transport.",
			append(transpLabels, "kind"), nil,
		),
		msgsSent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transport", "messages_sent_total"),
			"Number of messages sent by the transport.",
			append(transpLabels, "kind"), nil,
		),
		retrans: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transport", "retransmissions_total"),
			"Number of retransmitted messages.",
			transpLabels, nil,
		),
		sendErrs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transport", "send_errors_total"),
			"Number of failed sends.",
			transpLabels, nil,
		),
		txsActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transaction", "active"),
			"Number of live transactions.",
			[]string{"type"}, nil,
		),
		txsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transaction", "created_total"),
			"Number of created transactions.",
			[]string{"type"}, nil,
		),
		txsTimedOut: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transaction", "timed_out_total"),
			"Number of transactions terminated by a timeout.",
			nil, nil,
		),
		txsTranspFailed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transaction", "transport_failed_total"),
			"Number of transactions terminated by a transport error.",
			nil, nil,
		),
		parseErrs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "parse_errors_total"),
			"Number of dropped malformed messages.",
			nil, nil,
		),
		strayRess: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "stray_responses_total"),
			"Number of responses matching no transaction.",
			nil, nil,
		),
		unclaimedReqs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "unclaimed_requests_total"),
			"Number of requests answered by default because no module claimed them.",
			nil, nil,
		),
		strayAcks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "stray_acks_total"),
			"Number of ACK requests matching no transaction.",
			nil, nil,
		),
	}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.msgsRecv, c.msgsSent, c.retrans, c.sendErrs,
		c.txsActive, c.txsTotal, c.txsTimedOut, c.txsTranspFailed,
		c.parseErrs, c.strayRess, c.unclaimedReqs, c.strayAcks,
	} {
		ch <- d
	}
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	report := c.rcdr.Report()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}

	for _, tp := range report.Transports {
		proto := string(tp.Proto)
		counter(c.msgsRecv, tp.RequestsReceived, proto, tp.LocalAddr, "request")
		counter(c.msgsRecv, tp.ResponsesReceived, proto, tp.LocalAddr, "response")
		counter(c.msgsSent, tp.RequestsSent, proto, tp.LocalAddr, "request")
		counter(c.msgsSent, tp.ResponsesSent, proto, tp.LocalAddr, "response")
		counter(c.retrans, tp.Retransmissions, proto, tp.LocalAddr)
		counter(c.sendErrs, tp.SendErrors, proto, tp.LocalAddr)
	}

	txs := report.Transactions
	for _, v := range []struct {
		typ           sip.TransactionType
		active, total uint64
	}{
		{sip.TransactionTypeClientInvite, txs.InviteClientTransactions, txs.InviteClientTransactionsTotal},
		{sip.TransactionTypeClientNonInvite, txs.NonInviteClientTransactions, txs.NonInviteClientTransactionsTotal},
		{sip.TransactionTypeServerInvite, txs.InviteServerTransactions, txs.InviteServerTransactionsTotal},
		{sip.TransactionTypeServerNonInvite, txs.NonInviteServerTransactions, txs.NonInviteServerTransactionsTotal},
	} {
		gauge(c.txsActive, v.active, string(v.typ))
		counter(c.txsTotal, v.total, string(v.typ))
	}
	counter(c.txsTimedOut, txs.TimedOut)
	counter(c.txsTranspFailed, txs.TransportFailed)

	counter(c.parseErrs, report.Dispatch.ParseErrors)
	counter(c.strayRess, report.Dispatch.StrayResponses)
	counter(c.unclaimedReqs, report.Dispatch.UnclaimedRequests)
	counter(c.strayAcks, report.Dispatch.StrayAcks)
}

// Handler returns an HTTP handler exposing the metrics of a new registry with the collector.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
