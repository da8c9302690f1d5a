// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Timers controls retransmission and timeouts. Zero values take defaults.
type Timers struct {
	// T1 is RTT estimate. Retransmit interval starts with T1 and doubles.
	T1 time.Duration
	// T2 caps non INVITE retransmit interval
	T2 time.Duration
	// Transaction is wait for final response, default 64*T1
	Transaction time.Duration
	// Invite is wait for final response once INVITE got provisional response
	Invite time.Duration
	// Send bounds single transport send
	Send time.Duration
}

func (t Timers) withDefaults() Timers {
	if t.T1 <= 0 {
		t.T1 = 500 * time.Millisecond
	}
	if t.T2 <= 0 {
		t.T2 = 4 * time.Second
	}
	if t.Transaction <= 0 {
		t.Transaction = 64 * t.T1
	}
	if t.Invite <= 0 {
		t.Invite = inviteExpiry * time.Second
	}
	if t.Send <= 0 {
		t.Send = 2 * time.Second
	}
	return t
}

type SessionOption func(s *Session)

func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.log = l
	}
}

func WithListener(l Listener) SessionOption {
	return func(s *Session) {
		s.listener = l
	}
}

func WithTimers(t Timers) SessionOption {
	return func(s *Session) {
		s.timers = t
	}
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithUserAgent adds User-Agent header to every message
func WithUserAgent(ua string) SessionOption {
	return func(s *Session) {
		s.builder.userAgent = ua
	}
}

// Session is user agent for single identity. It owns registration and at most one call.
// All state is mutated by single actor goroutine started with Serve.
type Session struct {
	id        *LocalIdentity
	loc       NetworkLocation
	transport Transport
	builder   *MessageBuilder
	listener  Listener
	timers    Timers
	metrics   *Metrics
	log       zerolog.Logger

	queue  chan any
	sendq  chan outbound
	done   chan struct{}
	serveM sync.Mutex
	served bool

	// Actor owned
	reg    *RegisterTransaction
	dialog *Dialog
	txs    map[string]*clientTx
	stxs   map[string]*serverTx
}

type commandEvent struct {
	fn    func() error
	reply chan error
}

type datagramEvent struct {
	data []byte
	ip   string
	port int
}

type timerEvent struct {
	fn func()
}

type sendFailedEvent struct {
	key  string
	host string
	port int
	err  error
}

type outbound struct {
	key  string
	data []byte
	host string
	port int
}

// NewSession creates session. Call Serve to start processing.
func NewSession(id *LocalIdentity, loc NetworkLocation, transport Transport, opts ...SessionOption) *Session {
	if id.Tag == "" {
		id.Tag = newTag()
	}

	s := &Session{
		id:        id,
		loc:       loc,
		transport: transport,
		builder:   NewMessageBuilder(id, loc),
		listener:  ListenerFuncs{},
		log:       log.Logger.With().Str("caller", "tinyua").Logger(),
		queue:     make(chan any, 256),
		sendq:     make(chan outbound, 256),
		done:      make(chan struct{}),
		txs:       make(map[string]*clientTx),
		stxs:      make(map[string]*serverTx),
	}

	for _, o := range opts {
		o(s)
	}
	s.timers = s.timers.withDefaults()
	s.reg = newRegisterTransaction(s)
	s.dialog = newDialog(s)
	return s
}

// Serve runs actor loop until ctx is done. It can be called only once.
func (s *Session) Serve(ctx context.Context) error {
	s.serveM.Lock()
	if s.served {
		s.serveM.Unlock()
		return fmt.Errorf("session already served")
	}
	s.served = true
	s.serveM.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sendLoop()
	}()

	defer func() {
		close(s.done)
		wg.Wait()
		s.stopTimers()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.queue:
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case commandEvent:
		e.reply <- e.fn()
	case datagramEvent:
		s.handleDatagram(e.data, e.ip, e.port)
	case timerEvent:
		e.fn()
	case sendFailedEvent:
		s.handleSendFailed(e)
	}
}

func (s *Session) enqueue(ev any) bool {
	select {
	case s.queue <- ev:
		return true
	case <-s.done:
		return false
	}
}

// exec runs fn on actor and waits for its result
func (s *Session) exec(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.queue <- commandEvent{fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// after schedules fn on actor. Caller must check state in fn as timer may be stale.
func (s *Session) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		s.enqueue(timerEvent{fn: fn})
	})
}

func (s *Session) stopTimers() {
	for _, tx := range s.txs {
		tx.stop()
	}
	for _, tx := range s.stxs {
		tx.stop()
	}
	s.reg.stopRefresh()
}

// HandleDatagram is transport receive callback. Safe for concurrent use.
func (s *Session) HandleDatagram(data []byte, srcIP string, srcPort int) {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.enqueue(datagramEvent{data: buf, ip: srcIP, port: srcPort})
}

func (s *Session) sendLoop() {
	for {
		select {
		case <-s.done:
			return
		case out := <-s.sendq:
			ctx, cancel := context.WithTimeout(context.Background(), s.timers.Send)
			err := s.transport.Send(ctx, out.data, out.host, out.port)
			cancel()
			if err != nil {
				// Sender must not block on full queue while actor is blocked on sendq
				go s.enqueue(sendFailedEvent{key: out.key, host: out.host, port: out.port, err: err})
			}
		}
	}
}

// transmit hands data to sender goroutine. Order is kept.
func (s *Session) transmit(key string, data []byte, host string, port int) {
	if e := s.log.Trace(); e.Enabled() {
		e.Str("dst", fmt.Sprintf("%s:%d", host, port)).Msg("Send\n" + string(data))
	}
	select {
	case s.sendq <- outbound{key: key, data: data, host: host, port: port}:
	case <-s.done:
	}
}

func (s *Session) sendResponse(res *sip.Response, host string, port int) {
	s.metrics.responseSent(int(res.StatusCode))
	s.transmit("", []byte(res.String()), host, port)
}

func (s *Session) handleSendFailed(e sendFailedEvent) {
	terr := &TransportError{Host: e.host, Port: e.port, Err: e.err}
	tx, exists := s.txs[e.key]
	if e.key == "" || !exists || tx.state >= txCompleted {
		s.log.Error().Err(terr).Msg("Failed to send message")
		return
	}
	tx.terminate()
	delete(s.txs, e.key)
	s.log.Error().Err(terr).Str("method", tx.method.String()).Msg("Transaction failed on send")
	if tx.onError != nil {
		tx.onError(terr)
	}
}

func (s *Session) handleDatagram(data []byte, ip string, port int) {
	msg, err := ParseMessage(data)
	if err != nil {
		s.metrics.droppedMalformed()
		s.log.Warn().Err(err).Str("src", fmt.Sprintf("%s:%d", ip, port)).Msg("Dropping datagram")
		return
	}

	if e := s.log.Trace(); e.Enabled() {
		e.Str("src", fmt.Sprintf("%s:%d", ip, port)).Msg("Received\n" + string(data))
	}

	switch m := msg.(type) {
	case *sip.Response:
		s.handleResponse(m)
	case *sip.Request:
		s.handleRequest(m, ip, port)
	}
}

func (s *Session) handleRequest(req *sip.Request, ip string, port int) {
	callID := req.CallID().Value()
	d := s.dialog
	switch req.Method {
	case sip.INVITE:
		d.onInvite(req, ip, port)
	case sip.ACK:
		s.onAck(req)
	case sip.BYE:
		if !d.matches(callID) {
			s.respondNoDialog(req, ip, port)
			return
		}
		d.onBye(req, ip, port)
	case sip.CANCEL:
		if !d.matches(callID) {
			s.respondNoDialog(req, ip, port)
			return
		}
		d.onCancel(req, ip, port)
	case sip.OPTIONS:
		res := s.builder.Response(req, sip.StatusOK, "OK", s.id.Tag, nil)
		res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
		s.sendResponse(res, ip, port)
	default:
		s.sendResponse(s.builder.Response(req, 501, "Not Implemented", s.id.Tag, nil), ip, port)
	}
}

func (s *Session) respondNoDialog(req *sip.Request, ip string, port int) {
	s.log.Debug().Str("call_id", req.CallID().Value()).Str("method", req.Method.String()).Msg("No matching dialog")
	res := s.builder.Response(req, 481, "Call/Transaction Does Not Exist", s.id.Tag, nil)
	s.sendResponse(res, ip, port)
}

// Commands

// RegisterProfile starts registration, or refreshes existing binding.
func (s *Session) RegisterProfile(ctx context.Context) error {
	return s.exec(ctx, s.reg.register)
}

// UnregisterProfile removes all bindings of identity.
func (s *Session) UnregisterProfile(ctx context.Context) error {
	return s.exec(ctx, s.reg.unregister)
}

// SendInvite places call. Returns ErrBusyLocally if call already exists.
func (s *Session) SendInvite(ctx context.Context, contact RemoteContact) error {
	return s.exec(ctx, func() error {
		return s.dialog.placeCall(contact)
	})
}

// Answer accepts incoming call
func (s *Session) Answer(ctx context.Context) error {
	return s.exec(ctx, s.dialog.answer)
}

// Decline rejects incoming call with 603
func (s *Session) Decline(ctx context.Context) error {
	return s.exec(ctx, func() error {
		return s.dialog.reject(statusDecline, "Decline")
	})
}

// BusyHere rejects incoming call with 486
func (s *Session) BusyHere(ctx context.Context) error {
	return s.exec(ctx, func() error {
		return s.dialog.reject(sip.StatusBusyHere, "Busy Here")
	})
}

// CancelInvite aborts outgoing call before it is answered
func (s *Session) CancelInvite(ctx context.Context) error {
	return s.exec(ctx, s.dialog.cancel)
}

// Hangup terminates established call
func (s *Session) Hangup(ctx context.Context) error {
	return s.exec(ctx, s.dialog.hangup)
}

// RegistrationState returns current registration state
func (s *Session) RegistrationState(ctx context.Context) (RegistrationState, error) {
	var st RegistrationState
	err := s.exec(ctx, func() error {
		st = s.reg.State()
		return nil
	})
	return st, err
}

// CallState returns dialog state and copy of active call session if any
func (s *Session) CallState(ctx context.Context) (DialogState, *CallSession, error) {
	var st DialogState
	var cs *CallSession
	err := s.exec(ctx, func() error {
		st = s.dialog.State()
		if s.dialog.session != nil {
			c := *s.dialog.session
			cs = &c
		}
		return nil
	})
	return st, cs, err
}
