// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/tinysip/tinyua/media/sdp"
)

// onInvite handles inbound INVITE. Ringing is sent automatically and
// application decides with answer or reject.
func (d *Dialog) onInvite(req *sip.Request, ip string, port int) {
	s := d.s
	id := s.id
	callID := req.CallID().Value()

	// Retransmission
	if s.resendFinal(callID) {
		return
	}
	if d.matches(callID) {
		if d.ringing != nil {
			s.transmit("", d.ringing, ip, port)
		}
		return
	}

	if tagFrom(req.To().Params) != "" {
		// re-INVITE is not supported for unknown or ended dialogs
		s.respondNoDialog(req, ip, port)
		return
	}

	if d.session != nil || d.State() != DialogIdle {
		s.log.Info().Str("call_id", callID).Str("state", string(d.State())).Msg("Rejecting call while busy")
		s.respondReliable(s.builder.Response(req, sip.StatusBusyHere, "Busy Here", id.Tag, nil), ip, port, nil)
		return
	}

	offer, err := sdp.Parse(req.Body())
	if err != nil {
		s.log.Info().Err(err).Str("call_id", callID).Msg("Rejecting call without usable offer")
		s.respondReliable(s.builder.Response(req, sip.StatusNotAcceptableHere, "Not Acceptable Here", id.Tag, nil), ip, port, nil)
		return
	}

	from, to := req.From(), req.To()
	cs := &CallSession{
		CallID:            callID,
		LocalTag:          id.Tag,
		RemoteTag:         tagFrom(from.Params),
		RemoteCSeq:        req.CSeq().SeqNo,
		FromURI:           from.Address,
		ToURI:             to.Address,
		LocalURI:          to.Address,
		RemoteURI:         from.Address,
		RemoteTarget:      from.Address,
		RemoteDisplayName: from.DisplayName,
		RemoteIP:          ip,
		RemotePort:        port,
		RemoteRTPAddress:  offer.ConnectionAddress,
		RemoteRTPPort:     offer.RTPPort,
		RemoteRTCPPort:    offer.RTCPPort,
		AudioFormats:      offer.Formats,
	}
	if cont := req.Contact(); cont != nil {
		cs.RemoteTarget = cont.Address
	}

	d.session = cs
	d.invite = req
	d.offer = offer

	ringing := s.builder.Response(req, sip.StatusRinging, "Ringing", id.Tag, nil)
	d.ringing = []byte(ringing.String())
	s.metrics.responseSent(int(ringing.StatusCode))
	s.transmit("", d.ringing, ip, port)

	d.event(evIncoming, transition{message: "Incoming call from " + cs.CallerNumber()})
	s.listener.SessionChanged(SessionEvent{Session: *cs})
}

// answer accepts incoming call with codecs common to both sides
func (d *Dialog) answer() error {
	if d.State() != DialogIncoming {
		return d.stateError("answer")
	}

	s := d.s
	cs := d.session
	formats := sdp.Negotiate(s.id.AudioFormats, d.offer.Formats)
	if len(formats) == 0 {
		res := s.builder.Response(d.invite, sip.StatusNotAcceptableHere, "Not Acceptable Here", cs.LocalTag, nil)
		s.respondReliable(res, cs.RemoteIP, cs.RemotePort, nil)
		d.release(evFail, "failed", transition{code: 488, message: "No common codec", err: ErrNoCommonCodec})
		return ErrNoCommonCodec
	}

	body, err := d.localSDP(d.offer, formats)
	if err != nil {
		return fmt.Errorf("failed to build answer: %w", err)
	}

	callID := cs.CallID
	res := s.builder.Response(d.invite, sip.StatusOK, "OK", cs.LocalTag, body)
	s.respondReliable(res, cs.RemoteIP, cs.RemotePort, func() {
		if !d.matches(callID) || d.State() != DialogEstablished {
			return
		}
		// RFC 3261 13.3.1.4 no ACK, release session
		d.sendBye(d.session)
		d.release(evFail, "failed", transition{
			message: "No ACK",
			err:     &ProtocolTimeoutError{Method: sip.ACK, CallID: callID},
		})
	})

	cs.AudioFormats = formats
	d.ringing = nil
	d.event(evAnswer, transition{code: 200, message: "Call established"})
	s.listener.SessionChanged(SessionEvent{Session: *cs})
	return nil
}

// reject declines incoming call with final response code, 486 or 603
func (d *Dialog) reject(code int, reason string) error {
	if d.State() != DialogIncoming {
		return d.stateError("reject")
	}

	s := d.s
	cs := d.session
	res := s.builder.Response(d.invite, code, reason, cs.LocalTag, nil)
	s.respondReliable(res, cs.RemoteIP, cs.RemotePort, nil)

	ev, outcome := evDecline, "declined"
	if code == sip.StatusBusyHere {
		ev, outcome = evBusy, "busy"
	}
	d.release(ev, outcome, transition{code: code, message: reason})
	return nil
}

func (d *Dialog) onBye(req *sip.Request, ip string, port int) {
	s := d.s
	cs := d.session
	if seq := req.CSeq().SeqNo; seq > cs.RemoteCSeq {
		cs.RemoteCSeq = seq
	}
	s.sendResponse(s.builder.Response(req, sip.StatusOK, "OK", cs.LocalTag, nil), ip, port)

	// ACK may be lost if BYE came first
	if tx, exists := s.stxs[cs.CallID]; exists {
		tx.stop()
		delete(s.stxs, cs.CallID)
	}

	switch d.State() {
	case DialogEstablished:
		d.release(evHangup, "completed", transition{message: "Remote hung up"})
	case DialogIncoming:
		d.release(evCancelled, "cancelled", transition{message: "Caller hung up"})
	default:
		d.s.closeTx(d.inviteTx)
		d.release(evFail, "failed", transition{message: "Remote hung up"})
	}
}

func (d *Dialog) onCancel(req *sip.Request, ip string, port int) {
	s := d.s
	cs := d.session
	s.sendResponse(s.builder.Response(req, sip.StatusOK, "OK", cs.LocalTag, nil), ip, port)

	// CANCEL after final response has no effect
	if d.State() != DialogIncoming {
		return
	}

	res := s.builder.Response(d.invite, sip.StatusRequestTerminated, "Request Terminated", cs.LocalTag, nil)
	s.respondReliable(res, cs.RemoteIP, cs.RemotePort, nil)
	d.release(evCancelled, "cancelled", transition{code: 487, message: "Caller cancelled"})
}
