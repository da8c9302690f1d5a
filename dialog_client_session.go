// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/tinysip/tinyua/media/sdp"
)

// placeCall places outbound call to contact
func (d *Dialog) placeCall(contact RemoteContact) error {
	if d.session != nil || d.State() != DialogIdle {
		return ErrBusyLocally
	}
	if contact.Username == "" {
		return &InvalidInputError{Field: "username"}
	}
	if contact.Domain == "" {
		return &InvalidInputError{Field: "domain"}
	}

	s := d.s
	id := s.id

	// Without direct dial registrar acts as outbound proxy
	host, port := id.Domain, id.registrarPort()
	if contact.DirectDial {
		host, port = splitHostPort(contact.Domain)
		if port == 0 {
			port = DefaultSIPPort
		}
	}

	offer, err := d.localSDP(nil, id.AudioFormats)
	if err != nil {
		return fmt.Errorf("failed to build offer: %w", err)
	}

	target := contact.URI()
	cs := &CallSession{
		CallID:       newCallID(),
		LocalTag:     id.Tag,
		FromURI:      id.URI(),
		ToURI:        target,
		LocalURI:     id.URI(),
		RemoteURI:    target,
		RemoteTarget: target,
		Outbound:     true,
		RemoteIP:     host,
		RemotePort:   port,
	}
	d.session = cs
	d.offerBody = offer
	d.authorized = false

	d.event(evInvite, transition{message: "Calling " + target.String()})
	if err := d.sendInvite(CredentialsNone); err != nil {
		d.release(evFail, "failed", transition{err: err})
		return err
	}
	return nil
}

func (d *Dialog) sendInvite(cred Credentials) error {
	cs := d.session
	cs.LocalCSeq++
	req, err := d.s.builder.Invite(cs, cs.LocalCSeq, d.offerBody, cred)
	if err != nil {
		return err
	}

	tx := &clientTx{}
	tx.onResponse = func(res *sip.Response) {
		d.onInviteResponse(tx, res)
	}
	tx.onTimeout = func() {
		if d.inviteTx != tx {
			return
		}
		d.onInviteTimeout()
	}
	tx.onError = func(err error) {
		if d.inviteTx != tx {
			return
		}
		d.release(evFail, "failed", transition{message: "Network failure", err: err})
	}

	d.invite = req
	d.inviteTx = d.s.sendRequest(req, cs.RemoteIP, cs.RemotePort, tx)
	return nil
}

func (d *Dialog) ackFinal(tx *clientTx, res *sip.Response) {
	ack := d.s.builder.Ack(tx.req, res)
	tx.ack = []byte(ack.String())
	d.s.metrics.requestSent(sip.ACK.String())
	d.s.transmit("", tx.ack, tx.host, tx.port)
}

func (d *Dialog) onInviteResponse(tx *clientTx, res *sip.Response) {
	code := int(res.StatusCode)
	cs := d.session

	if code >= 200 {
		d.ackFinal(tx, res)
	}

	// Stale INVITE, replaced after challenge or call already gone
	if cs == nil || d.inviteTx != tx {
		if code >= 200 && code < 300 && cs == nil {
			d.s.log.Info().Str("call_id", res.CallID().Value()).Msg("Releasing late answered call")
			d.sendBye(d.lateSession(tx, res))
		}
		return
	}

	// Only provisional and success responses create dialog. 2xx tag is final.
	if tag := tagFrom(res.To().Params); tag != "" && code < 300 && (cs.RemoteTag == "" || code >= 200) {
		cs.RemoteTag = tag
	}

	state := d.State()
	switch {
	case code < 200:
		if code == 180 && state == DialogInviting {
			d.event(evRinging, transition{code: code, message: "Ringing"})
		}
		return

	case code < 300:
		if cont := res.Contact(); cont != nil {
			cs.RemoteTarget = cont.Address
		}
		if state == DialogCancelling {
			// 2xx crossed CANCEL
			d.sendBye(cs)
			d.release(evCancelled, "cancelled", transition{code: code, message: "Cancelled"})
			return
		}
		d.onAnswered(res)
		return
	}

	if state == DialogCancelling {
		d.release(evCancelled, "cancelled", transition{code: code, message: "Cancelled"})
		return
	}

	switch res.StatusCode {
	case sip.StatusUnauthorized, sip.StatusProxyAuthRequired:
		d.onChallenge(res)
	case sip.StatusBusyHere:
		d.release(evBusy, "busy", transition{code: code, message: "Busy Here"})
	case statusDecline:
		d.release(evDecline, "declined", transition{code: code, message: "Declined"})
	default:
		d.release(evFail, "failed", transition{
			code:    code,
			message: res.Reason,
			err:     fmt.Errorf("call rejected: %d %s", code, res.Reason),
		})
	}
}

func (d *Dialog) onAnswered(res *sip.Response) {
	cs := d.session
	answer, err := sdp.Parse(res.Body())
	if err != nil {
		d.sendBye(cs)
		d.release(evFail, "failed", transition{
			code:    int(res.StatusCode),
			message: "Bad session description",
			err:     &MalformedMessageError{Reason: "sdp answer", Err: err},
		})
		return
	}

	cs.RemoteRTPAddress = answer.ConnectionAddress
	cs.RemoteRTPPort = answer.RTPPort
	cs.RemoteRTCPPort = answer.RTCPPort
	cs.AudioFormats = answer.Formats

	d.event(evAnswered, transition{code: int(res.StatusCode), message: "Call established"})
	d.s.listener.SessionChanged(SessionEvent{Session: *cs})
}

func (d *Dialog) onChallenge(res *sip.Response) {
	id := d.s.id
	code := int(res.StatusCode)
	if d.authorized {
		d.release(evFail, "failed", transition{
			code:    code,
			message: "Authentication failed",
			err:     &AuthenticationRejectedError{Method: sip.INVITE, StatusCode: code, Realm: id.Realm},
		})
		return
	}

	chal, err := ParseChallenge(res)
	if err != nil {
		d.release(evFail, "failed", transition{code: code, message: "Bad challenge", err: &MalformedMessageError{Reason: "challenge", Err: err}})
		return
	}

	id.Realm, id.Nonce, id.Opaque = chal.Realm, chal.Nonce, chal.Opaque
	d.authorized = true
	// Challenge tag belongs to proxy, not to callee
	d.session.RemoteTag = ""

	cred := CredentialsAuthorization
	if chal.Proxy {
		cred = CredentialsProxy
	}
	if err := d.sendInvite(cred); err != nil {
		d.release(evFail, "failed", transition{code: code, err: err})
	}
}

func (d *Dialog) onInviteTimeout() {
	cs := d.session
	if d.State() == DialogCancelling {
		d.release(evCancelled, "cancelled", transition{message: "Cancelled"})
		return
	}
	if d.State() == DialogRinging {
		// Stop ringing on remote side
		d.s.sendRequest(d.s.builder.Cancel(d.invite), cs.RemoteIP, cs.RemotePort, &clientTx{})
	}
	d.release(evFail, "timeout", transition{
		message: "Timeout",
		err:     &ProtocolTimeoutError{Method: sip.INVITE, CallID: cs.CallID},
	})
}

// cancel aborts pending INVITE
func (d *Dialog) cancel() error {
	state := d.State()
	if state != DialogInviting && state != DialogRinging {
		return d.stateError("cancel")
	}

	cs := d.session
	s := d.s
	callID := cs.CallID

	// No more INVITE retransmissions after CANCEL, and no long wait for 487
	d.inviteTx.cancelled = true
	if d.inviteTx.retransmit != nil {
		d.inviteTx.retransmit.Stop()
	}
	s.extendTimeout(d.inviteTx, s.timers.Transaction)

	req := s.builder.Cancel(d.invite)
	s.sendRequest(req, cs.RemoteIP, cs.RemotePort, &clientTx{
		onTimeout: func() {
			if d.matches(callID) && d.State() == DialogCancelling {
				d.release(evCancelled, "cancelled", transition{message: "Cancelled"})
			}
		},
	})
	d.event(evCancel, transition{message: "Cancelling"})
	return nil
}

// hangup terminates established call with BYE
func (d *Dialog) hangup() error {
	if d.State() != DialogEstablished {
		return d.stateError("hangup")
	}
	d.sendBye(d.session)
	d.release(evHangup, "completed", transition{message: "Call ended"})
	return nil
}

// lateSession builds enough of dialog to release call answered after we gave up
func (d *Dialog) lateSession(tx *clientTx, res *sip.Response) *CallSession {
	invite := tx.req
	cs := &CallSession{
		CallID:       invite.CallID().Value(),
		LocalTag:     d.s.id.Tag,
		LocalCSeq:    invite.CSeq().SeqNo,
		RemoteURI:    invite.To().Address,
		RemoteTarget: invite.Recipient,
		RemoteTag:    tagFrom(res.To().Params),
		Outbound:     true,
		RemoteIP:     tx.host,
		RemotePort:   tx.port,
	}
	if cont := res.Contact(); cont != nil {
		cs.RemoteTarget = cont.Address
	}
	return cs
}
