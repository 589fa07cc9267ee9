package sip

import (
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StatsReport is a snapshot of [StatsRecorder] counters.
type StatsReport struct {
	Time         time.Time        `json:"time"`
	Transports   []TransportStats `json:"transports"`
	Transactions TransactionStats `json:"transactions"`
	Dispatch     DispatchStats    `json:"dispatch"`
}

// TransportStats are message counters of a single transport.
type TransportStats struct {
	Proto             TransportProto `json:"proto"`
	LocalAddr         string         `json:"local_addr"`
	RequestsReceived  uint64         `json:"requests_received"`
	RequestsSent      uint64         `json:"requests_sent"`
	ResponsesReceived uint64         `json:"responses_received"`
	ResponsesSent     uint64         `json:"responses_sent"`
	Retransmissions   uint64         `json:"retransmissions"`
	SendErrors        uint64         `json:"send_errors"`
}

// TransactionStats are transaction counters per type.
// Active counters are decremented when a transaction terminates.
type TransactionStats struct {
	InviteClientTransactions         uint64 `json:"invite_client_transactions"`
	NonInviteClientTransactions      uint64 `json:"non_invite_client_transactions"`
	InviteServerTransactions         uint64 `json:"invite_server_transactions"`
	NonInviteServerTransactions      uint64 `json:"non_invite_server_transactions"`
	InviteClientTransactionsTotal    uint64 `json:"invite_client_transactions_total"`
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	InviteServerTransactionsTotal    uint64 `json:"invite_server_transactions_total"`
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
	// TimedOut counts transactions terminated by Timer B, F or H.
	TimedOut uint64 `json:"timed_out"`
	// TransportFailed counts transactions terminated by a transport error.
	TransportFailed uint64 `json:"transport_failed"`
}

// DispatchStats are counters of messages dropped or answered by the dispatcher.
type DispatchStats struct {
	ParseErrors       uint64 `json:"parse_errors"`
	StrayResponses    uint64 `json:"stray_responses"`
	UnclaimedRequests uint64 `json:"unclaimed_requests"`
	StrayAcks         uint64 `json:"stray_acks"`
}

// StatsRecorder records SIP statistics of an [Endpoint].
// The zero value is ready to use.
type StatsRecorder struct {
	transpsStats
	transactStats
	dispatchStats
}

type transpsStats struct {
	stats sync.Map // map[transpKey]*transpStats
}

type transpKey struct {
	proto TransportProto
	laddr netip.AddrPort
}

type transpStats struct {
	inReqs,
	inRess,
	outReqs,
	outRess,
	retrans,
	sendErrs atomic.Uint64
}

type transactStats struct {
	invClnTxs,
	invSrvTxs,
	ninvClnTxs,
	ninvSrvTxs atomic.Int64

	invClnTxsTotal,
	invSrvTxsTotal,
	ninvClnTxsTotal,
	ninvSrvTxsTotal,
	timedOut,
	transpFailed atomic.Uint64
}

type dispatchStats struct {
	parseErrs,
	strayRess,
	unclaimedReqs,
	strayAcks atomic.Uint64
}

// Report returns the current counters.
// Transports are ordered by protocol and local address.
func (rcdr *StatsRecorder) Report() StatsReport {
	report := StatsReport{Time: time.Now()}

	rcdr.stats.Range(func(key, value any) bool {
		k, ok1 := key.(transpKey)
		s, ok2 := value.(*transpStats)
		if !ok1 || !ok2 {
			return true
		}
		report.Transports = append(report.Transports, TransportStats{
			Proto:             k.proto,
			LocalAddr:         k.laddr.String(),
			RequestsReceived:  s.inReqs.Load(),
			RequestsSent:      s.outReqs.Load(),
			ResponsesReceived: s.inRess.Load(),
			ResponsesSent:     s.outRess.Load(),
			Retransmissions:   s.retrans.Load(),
			SendErrors:        s.sendErrs.Load(),
		})
		return true
	})
	slices.SortFunc(report.Transports, func(a, b TransportStats) int {
		if c := strings.Compare(string(a.Proto), string(b.Proto)); c != 0 {
			return c
		}
		return strings.Compare(a.LocalAddr, b.LocalAddr)
	})

	report.Transactions = TransactionStats{
		InviteClientTransactions:         clampToUint64(rcdr.invClnTxs.Load()),
		NonInviteClientTransactions:      clampToUint64(rcdr.ninvClnTxs.Load()),
		InviteServerTransactions:         clampToUint64(rcdr.invSrvTxs.Load()),
		NonInviteServerTransactions:      clampToUint64(rcdr.ninvSrvTxs.Load()),
		InviteClientTransactionsTotal:    rcdr.invClnTxsTotal.Load(),
		NonInviteClientTransactionsTotal: rcdr.ninvClnTxsTotal.Load(),
		InviteServerTransactionsTotal:    rcdr.invSrvTxsTotal.Load(),
		NonInviteServerTransactionsTotal: rcdr.ninvSrvTxsTotal.Load(),
		TimedOut:                         rcdr.timedOut.Load(),
		TransportFailed:                  rcdr.transpFailed.Load(),
	}
	report.Dispatch = DispatchStats{
		ParseErrors:       rcdr.parseErrs.Load(),
		StrayResponses:    rcdr.strayRess.Load(),
		UnclaimedRequests: rcdr.unclaimedReqs.Load(),
		StrayAcks:         rcdr.strayAcks.Load(),
	}
	return report
}

func clampToUint64(v int64) uint64 {
	if v <= 0 {
		return 0
	}
	return uint64(v)
}

func (rcdr *StatsRecorder) transp(tp Transport) *transpStats {
	if rcdr == nil || tp == nil {
		return nil
	}
	s, _ := rcdr.stats.LoadOrStore(transpKey{tp.Proto(), tp.LocalAddr()}, &transpStats{})
	return s.(*transpStats) //nolint:forcetypeassert
}

func (rcdr *StatsRecorder) msgReceived(tp Transport, msg *Message) {
	s := rcdr.transp(tp)
	if s == nil {
		return
	}
	if msg.IsRequest() {
		s.inReqs.Add(1)
	} else {
		s.inRess.Add(1)
	}
}

func (rcdr *StatsRecorder) msgSent(tp Transport, isReq, retrans bool, err error) {
	s := rcdr.transp(tp)
	if s == nil {
		return
	}
	switch {
	case err != nil:
		s.sendErrs.Add(1)
		return
	case isReq:
		s.outReqs.Add(1)
	default:
		s.outRess.Add(1)
	}
	if retrans {
		s.retrans.Add(1)
	}
}

func (rcdr *StatsRecorder) txCreated(typ TransactionType) {
	if rcdr == nil {
		return
	}
	switch typ {
	case TransactionTypeClientInvite:
		rcdr.invClnTxs.Add(1)
		rcdr.invClnTxsTotal.Add(1)
	case TransactionTypeClientNonInvite:
		rcdr.ninvClnTxs.Add(1)
		rcdr.ninvClnTxsTotal.Add(1)
	case TransactionTypeServerInvite:
		rcdr.invSrvTxs.Add(1)
		rcdr.invSrvTxsTotal.Add(1)
	case TransactionTypeServerNonInvite:
		rcdr.ninvSrvTxs.Add(1)
		rcdr.ninvSrvTxsTotal.Add(1)
	}
}

func (rcdr *StatsRecorder) txTerminated(typ TransactionType, err error) {
	if rcdr == nil {
		return
	}
	switch typ {
	case TransactionTypeClientInvite:
		rcdr.invClnTxs.Add(-1)
	case TransactionTypeClientNonInvite:
		rcdr.ninvClnTxs.Add(-1)
	case TransactionTypeServerInvite:
		rcdr.invSrvTxs.Add(-1)
	case TransactionTypeServerNonInvite:
		rcdr.ninvSrvTxs.Add(-1)
	}
	switch {
	case err == nil:
	case isTimeoutTxErr(err):
		rcdr.timedOut.Add(1)
	case isTransportTxErr(err):
		rcdr.transpFailed.Add(1)
	}
}

func (rcdr *StatsRecorder) parseError() {
	if rcdr != nil {
		rcdr.parseErrs.Add(1)
	}
}

func (rcdr *StatsRecorder) strayResponse() {
	if rcdr != nil {
		rcdr.strayRess.Add(1)
	}
}

func (rcdr *StatsRecorder) unclaimedRequest() {
	if rcdr != nil {
		rcdr.unclaimedReqs.Add(1)
	}
}

func (rcdr *StatsRecorder) strayAck() {
	if rcdr != nil {
		rcdr.strayAcks.Add(1)
	}
}
