// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

type txState int

const (
	txTrying txState = iota
	txProceeding
	txCompleted
	txTerminated
)

// clientTx retransmits request over UDP until response arrives.
// It lives on actor and all callbacks run on actor.
type clientTx struct {
	key    string
	method sip.RequestMethod
	req    *sip.Request
	data   []byte
	host   string
	port   int
	state  txState
	// cancelled INVITE is not retransmitted anymore
	cancelled bool

	interval   time.Duration
	retransmit *time.Timer
	timeout    *time.Timer

	// ack is replayed on retransmitted final response of INVITE
	ack []byte

	onResponse func(res *sip.Response)
	onTimeout  func()
	onError    func(err error)
}

func (tx *clientTx) stop() {
	if tx.retransmit != nil {
		tx.retransmit.Stop()
	}
	if tx.timeout != nil {
		tx.timeout.Stop()
	}
}

func (tx *clientTx) terminate() {
	tx.stop()
	tx.state = txTerminated
}

func txKey(branch string, method sip.RequestMethod) string {
	return branch + "|" + method.String()
}

func branchOf(msg interface{ Via() *sip.ViaHeader }) string {
	via := msg.Via()
	if via == nil || via.Params == nil {
		return ""
	}
	b, _ := via.Params.Get("branch")
	return b
}

// sendRequest starts client transaction
func (s *Session) sendRequest(req *sip.Request, host string, port int, tx *clientTx) *clientTx {
	tx.key = txKey(branchOf(req), req.Method)
	tx.method = req.Method
	tx.req = req
	tx.data = []byte(req.String())
	tx.host = host
	tx.port = port
	tx.interval = s.timers.T1

	if old, exists := s.txs[tx.key]; exists {
		old.terminate()
	}
	s.txs[tx.key] = tx

	s.metrics.requestSent(req.Method.String())
	s.log.Debug().Str("call_id", req.CallID().Value()).Uint32("cseq", req.CSeq().SeqNo).
		Str("method", req.Method.String()).Msg("Sending request")
	s.transmit(tx.key, tx.data, host, port)

	tx.retransmit = s.after(tx.interval, func() { s.retransmitTx(tx) })
	tx.timeout = s.after(s.timers.Transaction, func() { s.timeoutTx(tx) })
	return tx
}

func (s *Session) retransmitTx(tx *clientTx) {
	if tx.state >= txCompleted || tx.cancelled || s.txs[tx.key] != tx {
		return
	}
	// INVITE retransmission stops on provisional response
	if tx.method == sip.INVITE && tx.state == txProceeding {
		return
	}

	s.metrics.retransmitted(tx.method.String())
	s.transmit(tx.key, tx.data, tx.host, tx.port)

	tx.interval *= 2
	if tx.method != sip.INVITE && tx.interval > s.timers.T2 {
		tx.interval = s.timers.T2
	}
	tx.retransmit = s.after(tx.interval, func() { s.retransmitTx(tx) })
}

func (s *Session) timeoutTx(tx *clientTx) {
	if s.txs[tx.key] != tx {
		return
	}
	if tx.state >= txCompleted {
		// Completed transactions are only kept to absorb retransmissions
		delete(s.txs, tx.key)
		return
	}

	tx.terminate()
	delete(s.txs, tx.key)
	s.log.Info().Str("method", tx.method.String()).Str("call_id", tx.req.CallID().Value()).Msg("Transaction timed out")
	if tx.onTimeout != nil {
		tx.onTimeout()
	}
}

// extendTimeout replaces transaction timeout
func (s *Session) extendTimeout(tx *clientTx, d time.Duration) {
	if tx.timeout != nil {
		tx.timeout.Stop()
	}
	tx.timeout = s.after(d, func() { s.timeoutTx(tx) })
}

// closeTx ends client transaction without waiting for final response
func (s *Session) closeTx(tx *clientTx) {
	if tx == nil {
		return
	}
	tx.terminate()
	if s.txs[tx.key] == tx {
		delete(s.txs, tx.key)
	}
}

func (s *Session) handleResponse(res *sip.Response) {
	cseq := res.CSeq()
	key := txKey(branchOf(res), cseq.MethodName)
	code := int(res.StatusCode)

	tx, exists := s.txs[key]
	if !exists {
		s.log.Debug().Str("call_id", res.CallID().Value()).Int("status", code).Msg("Response without transaction dropped")
		return
	}

	if tx.state >= txCompleted {
		if code >= 200 && tx.ack != nil {
			s.transmit("", tx.ack, tx.host, tx.port)
		}
		return
	}

	s.metrics.responseReceived(cseq.MethodName.String(), code)
	s.log.Debug().Str("call_id", res.CallID().Value()).Uint32("cseq", cseq.SeqNo).
		Str("method", cseq.MethodName.String()).Int("status", code).Msg("Received response")

	if code < 200 {
		if tx.state == txTrying && tx.method == sip.INVITE {
			s.extendTimeout(tx, s.timers.Invite)
		}
		tx.state = txProceeding
	} else {
		tx.stop()
		tx.state = txCompleted
		// Keep for retransmitted final responses
		tx.timeout = s.after(s.timers.Transaction, func() { s.timeoutTx(tx) })
	}

	if tx.onResponse != nil {
		tx.onResponse(res)
	}
}

// serverTx retransmits final response on INVITE until ACK
type serverTx struct {
	callID   string
	code     int
	data     []byte
	host     string
	port     int
	interval time.Duration
	done     bool

	retransmit *time.Timer
	timeout    *time.Timer

	onTimeout func()
}

func (tx *serverTx) stop() {
	tx.done = true
	if tx.retransmit != nil {
		tx.retransmit.Stop()
	}
	if tx.timeout != nil {
		tx.timeout.Stop()
	}
}

// respondReliable sends final response to INVITE and retransmits it until ACK arrives
func (s *Session) respondReliable(res *sip.Response, host string, port int, onTimeout func()) {
	callID := res.CallID().Value()
	if old, exists := s.stxs[callID]; exists {
		old.stop()
	}

	tx := &serverTx{
		callID:    callID,
		code:      int(res.StatusCode),
		data:      []byte(res.String()),
		host:      host,
		port:      port,
		interval:  s.timers.T1,
		onTimeout: onTimeout,
	}
	s.stxs[callID] = tx

	s.metrics.responseSent(tx.code)
	s.transmit("", tx.data, host, port)
	tx.retransmit = s.after(tx.interval, func() { s.retransmitServerTx(tx) })
	tx.timeout = s.after(s.timers.Transaction, func() {
		if tx.done {
			return
		}
		tx.stop()
		if s.stxs[callID] == tx {
			delete(s.stxs, callID)
		}
		s.log.Info().Str("call_id", callID).Int("status", tx.code).Msg("No ACK received")
		if tx.onTimeout != nil {
			tx.onTimeout()
		}
	})
}

func (s *Session) retransmitServerTx(tx *serverTx) {
	if tx.done {
		return
	}
	s.metrics.retransmitted(sip.INVITE.String())
	s.transmit("", tx.data, tx.host, tx.port)
	tx.interval *= 2
	if tx.interval > s.timers.T2 {
		tx.interval = s.timers.T2
	}
	tx.retransmit = s.after(tx.interval, func() { s.retransmitServerTx(tx) })
}

// resendFinal replays pending final response, for retransmitted INVITE
func (s *Session) resendFinal(callID string) bool {
	tx, exists := s.stxs[callID]
	if !exists {
		return false
	}
	s.transmit("", tx.data, tx.host, tx.port)
	return true
}

func (s *Session) onAck(req *sip.Request) {
	callID := req.CallID().Value()
	tx, exists := s.stxs[callID]
	if !exists {
		s.log.Debug().Str("call_id", callID).Msg("ACK without pending response")
		return
	}
	tx.stop()
	delete(s.stxs, callID)
	s.log.Debug().Str("call_id", callID).Int("status", tx.code).Msg("ACK received")
}
