// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

type RegistrationState string

const (
	Unregistered  RegistrationState = "UNREGISTERED"
	Registering   RegistrationState = "REGISTERING"
	Authorizing   RegistrationState = "AUTHORIZING"
	Registered    RegistrationState = "REGISTERED"
	Unregistering RegistrationState = "UNREGISTERING"
)

const (
	evRegister     = "register"
	evChallenge    = "challenge"
	evAuthorize    = "authorize"
	evRegistered   = "registered"
	evUnregister   = "unregister"
	evUnregistered = "unregistered"
	evRegFail      = "fail"
)

var registerEvents = fsm.Events{
	{Name: evRegister, Src: []string{string(Unregistered), string(Registered)}, Dst: string(Registering)},
	{Name: evChallenge, Src: []string{string(Registering)}, Dst: string(Authorizing)},
	{Name: evAuthorize, Src: []string{string(Authorizing)}, Dst: string(Registering)},
	{Name: evRegistered, Src: []string{string(Registering)}, Dst: string(Registered)},
	{Name: evUnregister, Src: []string{string(Registered)}, Dst: string(Unregistering)},
	{Name: evUnregistered, Src: []string{string(Unregistering)}, Dst: string(Unregistered)},
	{Name: evRegFail, Src: []string{string(Registering), string(Authorizing), string(Unregistering)}, Dst: string(Unregistered)},
}

// RegisterTransaction keeps registration binding of identity on registrar.
// Call-ID is kept for whole session lifetime and CSeq increases with every REGISTER.
type RegisterTransaction struct {
	s   *Session
	fsm *fsm.FSM

	callID string
	cseq   uint32
	tx     *clientTx
	// authorized is set when pending REGISTER carries credentials
	authorized bool

	expiry  time.Duration
	refresh *time.Timer
}

func newRegisterTransaction(s *Session) *RegisterTransaction {
	t := &RegisterTransaction{
		s:      s,
		callID: newCallID(),
		expiry: registerExpiry * time.Second,
	}
	t.fsm = fsm.NewFSM(
		string(Unregistered),
		registerEvents,
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				ev := StatusEvent{State: RegistrationState(e.Dst)}
				if len(e.Args) > 0 {
					ev.Err, _ = e.Args[0].(error)
				}
				s.log.Info().Err(ev.Err).Str("state", e.Dst).Str("from", e.Src).Msg("Registration state changed")
				s.metrics.setRegistered(ev.State == Registered)
				s.listener.StatusChanged(ev)
			},
		},
	)
	return t
}

func (t *RegisterTransaction) State() RegistrationState {
	return RegistrationState(t.fsm.Current())
}

func (t *RegisterTransaction) event(name string, args ...any) {
	if err := t.fsm.Event(context.Background(), name, args...); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return
		}
		t.s.log.Warn().Err(err).Str("event", name).Str("state", t.fsm.Current()).Msg("Registration transition refused")
	}
}

// register sends REGISTER without credentials. From REGISTERED it refreshes binding.
func (t *RegisterTransaction) register() error {
	state := t.State()
	if state != Unregistered && state != Registered {
		return &StateError{Op: "register", State: string(state)}
	}
	if t.s.id.Domain == "" {
		return &InvalidInputError{Field: "domain"}
	}

	t.stopRefresh()
	t.authorized = false
	t.event(evRegister)
	if err := t.send(registerExpiry, CredentialsNone); err != nil {
		t.fail(err)
		return err
	}
	return nil
}

// unregister removes all contacts of identity
func (t *RegisterTransaction) unregister() error {
	if state := t.State(); state != Registered {
		return &StateError{Op: "unregister", State: string(state)}
	}

	t.stopRefresh()
	t.authorized = false
	t.event(evUnregister)
	if err := t.send(0, CredentialsNone); err != nil {
		t.fail(err)
		return err
	}
	return nil
}

func (t *RegisterTransaction) send(expires int, cred Credentials) error {
	s := t.s
	t.cseq++
	req, err := s.builder.Register(t.callID, t.cseq, expires, cred)
	if err != nil {
		return err
	}

	tx := &clientTx{}
	tx.onResponse = func(res *sip.Response) {
		if t.tx != tx {
			return
		}
		t.onResponse(res, expires)
	}
	tx.onTimeout = func() {
		if t.tx != tx {
			return
		}
		t.fail(&ProtocolTimeoutError{Method: sip.REGISTER, CallID: t.callID})
	}
	tx.onError = func(err error) {
		if t.tx != tx {
			return
		}
		t.fail(err)
	}

	s.closeTx(t.tx)
	t.tx = s.sendRequest(req, s.id.Domain, s.id.registrarPort(), tx)
	return nil
}

func (t *RegisterTransaction) onResponse(res *sip.Response, expires int) {
	code := int(res.StatusCode)
	if code < 200 {
		return
	}

	s := t.s
	id := s.id
	switch {
	case code < 300:
		t.tx = nil
		t.checkNAT(res)
		if t.State() == Unregistering {
			t.event(evUnregistered)
			return
		}
		t.expiry = t.responseExpiry(res, expires)
		t.event(evRegistered)
		t.scheduleRefresh()
		return

	case res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired:
		if t.authorized {
			t.fail(&AuthenticationRejectedError{Method: sip.REGISTER, StatusCode: code, Realm: id.Realm})
			return
		}

		chal, err := ParseChallenge(res)
		if err != nil {
			t.fail(&MalformedMessageError{Reason: "challenge", Err: err})
			return
		}
		id.Realm, id.Nonce, id.Opaque = chal.Realm, chal.Nonce, chal.Opaque
		t.authorized = true

		cred := CredentialsAuthorization
		if chal.Proxy {
			cred = CredentialsProxy
		}

		unregistering := t.State() == Unregistering
		if !unregistering {
			t.event(evChallenge)
		}
		if err := t.send(expires, cred); err != nil {
			t.fail(err)
			return
		}
		if !unregistering {
			t.event(evAuthorize)
		}
		return
	}

	t.fail(&RegisterResponseError{
		RegisterReq: t.tx.req,
		RegisterRes: res,
		Msg:         res.StartLine(),
	})
}

func (t *RegisterTransaction) fail(err error) {
	t.stopRefresh()
	t.s.closeTx(t.tx)
	t.tx = nil
	t.authorized = false
	t.event(evRegFail, err)
}

// responseExpiry is granted binding time. Server may lower requested value.
func (t *RegisterTransaction) responseExpiry(res *sip.Response, requested int) time.Duration {
	if h := res.GetHeader("Expires"); h != nil {
		if val, err := strconv.Atoi(h.Value()); err == nil && val > 0 {
			return time.Duration(val) * time.Second
		}
	}
	if cont := res.Contact(); cont != nil && cont.Params != nil {
		if v, _ := cont.Params.Get("expires"); v != "" {
			if val, err := strconv.Atoi(v); err == nil && val > 0 {
				return time.Duration(val) * time.Second
			}
		}
	}
	return time.Duration(requested) * time.Second
}

func (t *RegisterTransaction) scheduleRefresh() {
	retry := t.calcRetry(t.expiry)
	t.s.log.Debug().Dur("expiry", t.expiry).Dur("retry", retry).Msg("Scheduling register refresh")
	t.refresh = t.s.after(retry, func() {
		if t.State() != Registered {
			return
		}
		if err := t.register(); err != nil {
			t.s.log.Error().Err(err).Msg("Register refresh failed")
		}
	})
}

func (t *RegisterTransaction) calcRetry(expiry time.Duration) time.Duration {
	calc := expiry.Seconds() * 0.75
	retry := time.Duration(calc * float64(time.Second))

	// Set to 30 in case retry is not set
	if retry == 0 {
		retry = 30 * time.Second
	}
	return retry
}

func (t *RegisterTransaction) stopRefresh() {
	if t.refresh != nil {
		t.refresh.Stop()
		t.refresh = nil
	}
}

// checkNAT logs when registrar sees us on other address than NetworkLocation.
// https://datatracker.ietf.org/doc/html/rfc3581#section-9
func (t *RegisterTransaction) checkNAT(res *sip.Response) {
	via := res.Via()
	if via == nil || via.Params == nil {
		return
	}
	loc := t.s.loc
	received, _ := via.Params.Get("received")
	rport, _ := via.Params.Get("rport")
	port, _ := strconv.Atoi(rport)
	if (received != "" && received != loc.publicIP()) || (port > 0 && port != loc.publicPort()) {
		t.s.log.Warn().
			Str("received", received).
			Str("rport", rport).
			Str("public_ip", loc.publicIP()).
			Int("public_port", loc.publicPort()).
			Msg("Registrar sees different public address")
	}
}
