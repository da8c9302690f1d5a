// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"context"
	"errors"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/tinysip/tinyua/media/sdp"
)

type DialogState string

const (
	DialogIdle        DialogState = "IDLE"
	DialogInviting    DialogState = "INVITING"
	DialogRinging     DialogState = "RINGING"
	DialogEstablished DialogState = "ESTABLISHED"
	DialogCancelling  DialogState = "CANCELLING"
	DialogIncoming    DialogState = "INCOMING"
	DialogDeclined    DialogState = "DECLINED"
	DialogBusy        DialogState = "BUSY"
	DialogError       DialogState = "ERROR"
)

const (
	evInvite    = "invite"
	evRinging   = "ringing"
	evAnswered  = "answered"
	evBusy      = "busy"
	evDecline   = "decline"
	evCancel    = "cancel"
	evCancelled = "cancelled"
	evIncoming  = "incoming"
	evAnswer    = "answer"
	evHangup    = "hangup"
	evFail      = "fail"
	evReset     = "reset"
)

func states(s ...DialogState) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

var dialogEvents = fsm.Events{
	{Name: evInvite, Src: states(DialogIdle), Dst: string(DialogInviting)},
	{Name: evRinging, Src: states(DialogInviting), Dst: string(DialogRinging)},
	{Name: evAnswered, Src: states(DialogInviting, DialogRinging), Dst: string(DialogEstablished)},
	{Name: evBusy, Src: states(DialogInviting, DialogRinging, DialogIncoming), Dst: string(DialogBusy)},
	{Name: evDecline, Src: states(DialogInviting, DialogRinging, DialogIncoming), Dst: string(DialogDeclined)},
	{Name: evCancel, Src: states(DialogInviting, DialogRinging), Dst: string(DialogCancelling)},
	{Name: evCancelled, Src: states(DialogCancelling, DialogIncoming), Dst: string(DialogIdle)},
	{Name: evIncoming, Src: states(DialogIdle), Dst: string(DialogIncoming)},
	{Name: evAnswer, Src: states(DialogIncoming), Dst: string(DialogEstablished)},
	{Name: evHangup, Src: states(DialogEstablished), Dst: string(DialogIdle)},
	{Name: evFail, Src: states(DialogInviting, DialogRinging, DialogCancelling, DialogIncoming, DialogEstablished), Dst: string(DialogError)},
	{Name: evReset, Src: states(DialogDeclined, DialogBusy, DialogError), Dst: string(DialogIdle)},
}

// CallSession is negotiated state of single call.
// Media fields stay zero until SDP is parsed.
type CallSession struct {
	CallID     string
	LocalTag   string
	RemoteTag  string
	LocalCSeq  uint32
	RemoteCSeq uint32

	// FromURI and ToURI as they are in INVITE
	FromURI sip.Uri
	ToURI   sip.Uri
	// LocalURI and RemoteURI are our and remote party address of record
	LocalURI  sip.Uri
	RemoteURI sip.Uri
	// RemoteTarget is request uri for in dialog requests
	RemoteTarget      sip.Uri
	RemoteDisplayName string
	Outbound          bool

	// RemoteIP and RemotePort are signaling destination
	RemoteIP   string
	RemotePort int

	RemoteRTPAddress string
	RemoteRTPPort    int
	RemoteRTCPPort   int
	AudioFormats     sdp.AudioFormats
}

// CallerNumber is remote party number normalized for display
func (cs *CallSession) CallerNumber() string {
	return CallerNumber(cs.RemoteURI.String())
}

func (cs *CallSession) direction() string {
	if cs.Outbound {
		return "outbound"
	}
	return "inbound"
}

// CallerNumber strips scheme and domain from sip uri and normalizes
// german international prefix to leading zero.
//
//	sip:004930123456@domain -> 030123456
func CallerNumber(uri string) string {
	res, _, _ := strings.Cut(uri, "@")
	res = strings.ReplaceAll(res, "sip:0049", "0")
	res = strings.ReplaceAll(res, "sip:+49", "0")
	res = strings.ReplaceAll(res, "sip:49", "0")
	res = strings.ReplaceAll(res, "sip:", "")
	return res
}

// transition carries info for listener
type transition struct {
	code    int
	message string
	err     error
}

// Dialog is call state machine. Only one call exists at a time.
type Dialog struct {
	s   *Session
	fsm *fsm.FSM

	session *CallSession

	// outbound
	invite     *sip.Request
	inviteTx   *clientTx
	offerBody  []byte
	authorized bool

	// inbound
	offer   *sdp.Description
	ringing []byte
}

func newDialog(s *Session) *Dialog {
	d := &Dialog{s: s}
	d.fsm = fsm.NewFSM(
		string(DialogIdle),
		dialogEvents,
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				d.onEnterState(e)
			},
		},
	)
	return d
}

func (d *Dialog) State() DialogState {
	return DialogState(d.fsm.Current())
}

func (d *Dialog) matches(callID string) bool {
	return d.session != nil && d.session.CallID == callID
}

func (d *Dialog) onEnterState(e *fsm.Event) {
	ev := CallStatusEvent{State: DialogState(e.Dst)}
	if d.session != nil {
		ev.CallID = d.session.CallID
	}
	if len(e.Args) > 0 {
		if t, ok := e.Args[0].(transition); ok {
			ev.StatusCode = t.code
			ev.Message = t.message
			ev.Err = t.err
		}
	}
	if ev.Message == "" {
		ev.Message = defaultMessage(ev.State)
	}

	d.s.log.Info().Str("call_id", ev.CallID).Str("state", e.Dst).Str("from", e.Src).Msg(ev.Message)
	d.s.listener.CallStatusChanged(ev)
}

func defaultMessage(st DialogState) string {
	switch st {
	case DialogIdle:
		return "Ready"
	case DialogInviting:
		return "Calling"
	case DialogRinging:
		return "Ringing"
	case DialogEstablished:
		return "Call established"
	case DialogCancelling:
		return "Cancelling"
	case DialogIncoming:
		return "Incoming call"
	case DialogDeclined:
		return "Declined"
	case DialogBusy:
		return "Busy"
	case DialogError:
		return "Call failed"
	}
	return string(st)
}

// event fires FSM transition. Invalid transitions are logged, state stays.
func (d *Dialog) event(name string, t transition) bool {
	if err := d.fsm.Event(context.Background(), name, t); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return true
		}
		d.s.log.Warn().Err(err).Str("event", name).Str("state", d.fsm.Current()).Msg("Dialog transition refused")
		return false
	}
	return true
}

// release drops call session and returns to IDLE through given terminal event
func (d *Dialog) release(name string, outcome string, t transition) {
	cs := d.session
	d.event(name, t)
	if d.State() != DialogIdle {
		d.event(evReset, transition{})
	}

	d.invite = nil
	d.inviteTx = nil
	d.authorized = false
	d.offerBody = nil
	d.offer = nil
	d.ringing = nil
	d.session = nil

	if cs != nil {
		d.s.metrics.callFinished(cs.direction(), outcome)
		d.s.listener.SessionChanged(SessionEvent{Session: *cs, Ended: true})
	}
}

func (d *Dialog) stateError(op string) error {
	return &StateError{Op: op, State: string(d.State())}
}

// localSDP builds offer, or answer when echo is remote offer
func (d *Dialog) localSDP(echo *sdp.Description, formats sdp.AudioFormats) ([]byte, error) {
	id := d.s.id
	return sdp.Build(sdp.BuildParams{
		Username: id.Username,
		Address:  d.s.loc.publicIP(),
		RTPPort:  id.LocalRTPPort,
		RTCPPort: id.LocalRTCPPort,
		Formats:  formats,
		Echo:     echo,
	})
}

// sendBye releases dialog on remote side. Outcome is only logged.
func (d *Dialog) sendBye(cs *CallSession) {
	cs.LocalCSeq++
	req := d.s.builder.Bye(cs, cs.LocalCSeq)
	log := d.s.log
	d.s.sendRequest(req, cs.RemoteIP, cs.RemotePort, &clientTx{
		onResponse: func(res *sip.Response) {
			if code := int(res.StatusCode); code >= 200 {
				log.Debug().Str("call_id", cs.CallID).Int("status", code).Msg("BYE completed")
			}
		},
		onTimeout: func() {
			log.Warn().Str("call_id", cs.CallID).Msg("BYE got no response")
		},
	})
}
