// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

const (
	maxForwards = 70
	// registerExpiry is requested binding lifetime in seconds
	registerExpiry = 3600
	// inviteExpiry is INVITE Expires value in seconds
	inviteExpiry = 120

	statusDecline = 603
)

// Credentials selects which authorization header request carries
type Credentials int

const (
	CredentialsNone Credentials = iota
	// CredentialsAuthorization answers 401 WWW-Authenticate
	CredentialsAuthorization
	// CredentialsProxy answers 407 Proxy-Authenticate
	CredentialsProxy
)

// MessageBuilder creates requests and responses for local identity.
// Every externally visible address is public address of NetworkLocation.
type MessageBuilder struct {
	id        *LocalIdentity
	loc       NetworkLocation
	userAgent string
}

func NewMessageBuilder(id *LocalIdentity, loc NetworkLocation) *MessageBuilder {
	return &MessageBuilder{id: id, loc: loc}
}

func (b *MessageBuilder) via(branch string) *sip.ViaHeader {
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            b.loc.publicIP(),
		Port:            b.loc.publicPort(),
		Params:          sip.NewParams().Add("branch", branch).Add("rport", ""),
	}
}

func (b *MessageBuilder) contact() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   b.id.Username,
			Host:   b.loc.publicIP(),
			Port:   b.loc.publicPort(),
		},
		Params: sip.NewParams(),
	}
}

// namedContact is contact with display name, for INVITE and its 2xx
func (b *MessageBuilder) namedContact() *sip.ContactHeader {
	h := b.contact()
	h.DisplayName = b.id.DisplayName
	return h
}

func (b *MessageBuilder) from() *sip.FromHeader {
	return &sip.FromHeader{
		DisplayName: b.id.DisplayName,
		Address:     b.id.URI(),
		Params:      sip.NewParams().Add("tag", b.id.Tag),
	}
}

func appendCommon(req *sip.Request, callID string, cseq uint32) {
	callid := sip.CallIDHeader(callID)
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: req.Method})
	maxfwd := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&maxfwd)
}

func (b *MessageBuilder) appendCredentials(req *sip.Request, cred Credentials, uri string) error {
	if cred == CredentialsNone {
		return nil
	}
	h, err := authorizationHeader(b.id, cred == CredentialsProxy, req.Method, uri)
	if err != nil {
		return err
	}
	req.AppendHeader(h)
	return nil
}

type headerBody interface {
	AppendHeader(h sip.Header)
	SetBody(body []byte)
}

func (b *MessageBuilder) finalize(msg headerBody, body []byte) {
	if b.userAgent != "" {
		msg.AppendHeader(sip.NewHeader("User-Agent", b.userAgent))
	}
	msg.SetBody(body)
}

// Register builds REGISTER binding public contact.
// Expires 0 builds unregister with wildcard contact.
func (b *MessageBuilder) Register(callID string, cseq uint32, expires int, cred Credentials) (*sip.Request, error) {
	domain := b.id.DomainURI()
	req := sip.NewRequest(sip.REGISTER, domain)
	req.AppendHeader(b.from())
	req.AppendHeader(&sip.ToHeader{Address: b.id.URI(), Params: sip.NewParams()})
	req.AppendHeader(b.via(newBranch()))
	appendCommon(req, callID, cseq)

	if expires == 0 {
		exp := sip.ExpiresHeader(0)
		req.AppendHeader(&exp)
		req.AppendHeader(sip.NewHeader("Contact", "*"))
	} else {
		contact := b.contact()
		contact.Params = contact.Params.Add("expires", strconv.Itoa(expires))
		req.AppendHeader(contact)
	}

	if err := b.appendCredentials(req, cred, domain.String()); err != nil {
		return nil, err
	}
	b.finalize(req, nil)
	return req, nil
}

// Invite builds initial INVITE carrying SDP offer
func (b *MessageBuilder) Invite(cs *CallSession, cseq uint32, offer []byte, cred Credentials) (*sip.Request, error) {
	req := sip.NewRequest(sip.INVITE, cs.RemoteTarget)
	req.AppendHeader(b.from())
	req.AppendHeader(&sip.ToHeader{Address: cs.RemoteURI, Params: sip.NewParams()})
	req.AppendHeader(b.via(newBranch()))
	appendCommon(req, cs.CallID, cseq)
	req.AppendHeader(b.namedContact())

	exp := sip.ExpiresHeader(inviteExpiry)
	req.PrependHeader(&exp)

	if err := b.appendCredentials(req, cred, cs.RemoteTarget.String()); err != nil {
		return nil, err
	}

	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	b.finalize(req, offer)
	return req, nil
}

// Ack builds ACK for final response of INVITE.
// ACK for 2xx is new transaction. ACK for non 2xx reuses INVITE branch.
func (b *MessageBuilder) Ack(invite *sip.Request, res *sip.Response) *sip.Request {
	success := res.IsSuccess()

	recipient := invite.Recipient
	if success {
		if cont := res.Contact(); cont != nil {
			recipient = cont.Address
		}
	}

	req := sip.NewRequest(sip.ACK, *recipient.Clone())
	req.AppendHeader(copyFrom(invite.From()))
	req.AppendHeader(copyTo(res.To()))
	if success {
		req.AppendHeader(b.via(newBranch()))
	} else {
		req.AppendHeader(invite.Via().Clone())
	}
	appendCommon(req, invite.CallID().Value(), invite.CSeq().SeqNo)
	b.finalize(req, nil)
	return req
}

// Bye builds in dialog BYE
func (b *MessageBuilder) Bye(cs *CallSession, cseq uint32) *sip.Request {
	req := sip.NewRequest(sip.BYE, cs.RemoteTarget)
	from := b.from()
	from.Params = sip.NewParams().Add("tag", cs.LocalTag)
	req.AppendHeader(from)
	to := &sip.ToHeader{Address: cs.RemoteURI, Params: sip.NewParams()}
	if cs.RemoteTag != "" {
		to.Params = to.Params.Add("tag", cs.RemoteTag)
	}
	req.AppendHeader(to)
	req.AppendHeader(b.via(newBranch()))
	appendCommon(req, cs.CallID, cseq)
	b.finalize(req, nil)
	return req
}

// Cancel builds CANCEL for pending INVITE. It shares INVITE branch and CSeq number
func (b *MessageBuilder) Cancel(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	req.AppendHeader(copyFrom(invite.From()))
	req.AppendHeader(copyTo(invite.To()))
	req.AppendHeader(invite.Via().Clone())
	appendCommon(req, invite.CallID().Value(), invite.CSeq().SeqNo)
	b.finalize(req, nil)
	return req
}

// Response builds response to request. To tag is set to local tag unless request is in dialog,
// so every response of one transaction carries the same tag.
// 2xx on INVITE carries Contact and SDP body.
func (b *MessageBuilder) Response(req *sip.Request, code int, reason string, localTag string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)

	inDialog := req.To() != nil && tagFrom(req.To().Params) != ""
	if to := res.To(); to != nil && code > 100 && localTag != "" && !inDialog {
		// sipgo generates random tag, replace it with ours
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params["tag"] = localTag
	}

	if req.IsInvite() && res.IsSuccess() {
		res.AppendHeader(b.namedContact())
		if body != nil {
			ct := sip.ContentTypeHeader("application/sdp")
			res.AppendHeader(&ct)
		}
	}
	b.finalize(res, body)
	return res
}

// ParseMessage parses datagram and checks headers needed for routing
func ParseMessage(data []byte) (sip.Message, error) {
	msg, err := sip.ParseMessage(data)
	if err != nil {
		return nil, &MalformedMessageError{Reason: "parse", Err: err}
	}

	var hdrs []string
	switch m := msg.(type) {
	case *sip.Request:
		if m.CallID() == nil {
			hdrs = append(hdrs, "Call-ID")
		}
		if m.CSeq() == nil {
			hdrs = append(hdrs, "CSeq")
		}
		if m.From() == nil || m.To() == nil {
			hdrs = append(hdrs, "From/To")
		}
		if m.Via() == nil {
			hdrs = append(hdrs, "Via")
		}
	case *sip.Response:
		if m.CallID() == nil {
			hdrs = append(hdrs, "Call-ID")
		}
		if m.CSeq() == nil {
			hdrs = append(hdrs, "CSeq")
		}
		if m.To() == nil {
			hdrs = append(hdrs, "To")
		}
	}

	if len(hdrs) > 0 {
		return nil, &MalformedMessageError{Reason: "missing headers " + strings.Join(hdrs, ", ")}
	}
	return msg, nil
}

// copyFrom and copyTo keep address and tag, the only parts that identify dialog
func copyFrom(h *sip.FromHeader) *sip.FromHeader {
	return &sip.FromHeader{DisplayName: h.DisplayName, Address: h.Address, Params: tagParams(h.Params)}
}

func copyTo(h *sip.ToHeader) *sip.ToHeader {
	return &sip.ToHeader{DisplayName: h.DisplayName, Address: h.Address, Params: tagParams(h.Params)}
}

func tagParams(params sip.HeaderParams) sip.HeaderParams {
	p := sip.NewParams()
	if tag := tagFrom(params); tag != "" {
		p = p.Add("tag", tag)
	}
	return p
}

func tagFrom(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}
