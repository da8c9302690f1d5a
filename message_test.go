// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireHeaderOrder checks that header names appear in given order
func requireHeaderOrder(t *testing.T, msg string, names ...string) {
	t.Helper()
	last := -1
	for _, n := range names {
		ind := strings.Index(msg, "\r\n"+n+":")
		require.Greater(t, ind, last, "header %s out of order in\n%s", n, msg)
		last = ind
	}
}

func newTestBuilder() (*MessageBuilder, *LocalIdentity) {
	id := testIdentity()
	return NewMessageBuilder(id, testLocation()), id
}

func testCallSession() *CallSession {
	target := sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}
	return &CallSession{
		CallID:       "call-123",
		LocalTag:     "localtag",
		LocalURI:     sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		RemoteURI:    target,
		RemoteTarget: target,
		Outbound:     true,
	}
}

func TestBuildRegister(t *testing.T) {
	b, id := newTestBuilder()
	req, err := b.Register("reg-1", 1, registerExpiry, CredentialsNone)
	require.NoError(t, err)

	msg := req.String()
	assert.Equal(t, "REGISTER sip:example.com SIP/2.0", req.StartLine())
	requireHeaderOrder(t, msg, "From", "To", "Via", "Call-ID", "CSeq", "Max-Forwards", "Contact")

	via := req.Via()
	assert.Equal(t, "203.0.113.5", via.Host)
	assert.Equal(t, 40123, via.Port)
	assert.True(t, strings.HasPrefix(branchOf(req), "z9hG4bK"))
	_, hasRport := via.Params.Get("rport")
	assert.True(t, hasRport)

	assert.Equal(t, id.Tag, tagFrom(req.From().Params))
	assert.Equal(t, "Alice", req.From().DisplayName)
	assert.Equal(t, uint32(1), req.CSeq().SeqNo)
	assert.Equal(t, "reg-1", req.CallID().Value())
	assert.Equal(t, "70", req.GetHeader("Max-Forwards").Value())

	cont := req.Contact()
	require.NotNil(t, cont)
	assert.Equal(t, "alice", cont.Address.User)
	assert.Equal(t, "203.0.113.5", cont.Address.Host)
	assert.Equal(t, 40123, cont.Address.Port)
	exp, _ := cont.Params.Get("expires")
	assert.Equal(t, "3600", exp)
	assert.Nil(t, req.GetHeader("Authorization"))
}

func TestBuildUnregister(t *testing.T) {
	b, _ := newTestBuilder()
	req, err := b.Register("reg-1", 5, 0, CredentialsNone)
	require.NoError(t, err)

	msg := req.String()
	assert.Contains(t, msg, "\r\nContact: *\r\n")
	assert.Equal(t, "0", req.GetHeader("Expires").Value())
	requireHeaderOrder(t, msg, "From", "To", "Via", "Call-ID", "CSeq", "Max-Forwards", "Expires", "Contact")
}

func TestBuildRegisterCredentials(t *testing.T) {
	b, id := newTestBuilder()
	id.Realm, id.Nonce = "example.com", "abc123"

	req, err := b.Register("reg-1", 2, registerExpiry, CredentialsAuthorization)
	require.NoError(t, err)

	h := req.GetHeader("Authorization")
	require.NotNil(t, h)
	assert.True(t, strings.HasPrefix(h.Value(), "Digest "))
	cred, err := digest.ParseCredentials(h.Value())
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, "sip:example.com", cred.URI)
	assert.Equal(t, "d1d211daa2e0d7f43de25792410f5057", cred.Response)

	// Missing challenge can not be answered
	id.Nonce = ""
	_, err = b.Register("reg-1", 3, registerExpiry, CredentialsAuthorization)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestBuildInvite(t *testing.T) {
	b, id := newTestBuilder()
	cs := testCallSession()
	offer := []byte("v=0\r\n")

	req, err := b.Invite(cs, 1, offer, CredentialsNone)
	require.NoError(t, err)
	assert.Equal(t, "INVITE sip:bob@example.com SIP/2.0", req.StartLine())
	requireHeaderOrder(t, req.String(), "Expires", "From", "To", "Via", "Call-ID", "CSeq", "Max-Forwards", "Contact", "Content-Type")
	assert.Equal(t, "120", req.GetHeader("Expires").Value())
	require.NotNil(t, req.Contact())
	assert.Equal(t, "Alice", req.Contact().DisplayName)
	assert.Equal(t, "application/sdp", req.GetHeader("Content-Type").Value())
	assert.Equal(t, offer, req.Body())
	assert.Empty(t, tagFrom(req.To().Params))

	id.Realm, id.Nonce = "proxy", "n1"
	req, err = b.Invite(cs, 2, offer, CredentialsProxy)
	require.NoError(t, err)
	assert.Nil(t, req.GetHeader("Authorization"))
	h := req.GetHeader("Proxy-Authorization")
	require.NotNil(t, h)
	cred, err := digest.ParseCredentials(h.Value())
	require.NoError(t, err)
	assert.Equal(t, "sip:bob@example.com", cred.URI)

	expected, err := ComputeResponse("alice", "proxy", "secret", "INVITE", "sip:bob@example.com", "n1")
	require.NoError(t, err)
	assert.Equal(t, expected, cred.Response)
	assert.Equal(t, uint32(2), req.CSeq().SeqNo)
}

func TestBuildAckCancelBye(t *testing.T) {
	b, _ := newTestBuilder()
	cs := testCallSession()
	invite, err := b.Invite(cs, 1, nil, CredentialsNone)
	require.NoError(t, err)
	inviteBranch := branchOf(invite)

	busy := sip.NewResponseFromRequest(invite, sip.StatusBusyHere, "Busy Here", nil)
	busy.To().Params = sip.NewParams().Add("tag", "rt")
	ack := b.Ack(invite, busy)
	assert.Equal(t, inviteBranch, branchOf(ack))
	seq, method := cseqOf(ack)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, sip.ACK, method)
	assert.Equal(t, "rt", tagFrom(ack.To().Params))
	assert.Equal(t, invite.Recipient.String(), ack.Recipient.String())

	ok := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	ok.To().Params = sip.NewParams().Add("tag", "rt")
	ok.AppendHeader(remoteContact())
	ack = b.Ack(invite, ok)
	assert.NotEqual(t, inviteBranch, branchOf(ack))
	seq, _ = cseqOf(ack)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, testRemoteIP, ack.Recipient.Host)

	cancel := b.Cancel(invite)
	assert.Equal(t, inviteBranch, branchOf(cancel))
	seq, method = cseqOf(cancel)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, sip.CANCEL, method)
	assert.Equal(t, invite.Recipient.String(), cancel.Recipient.String())

	cs.RemoteTag = "rt"
	bye := b.Bye(cs, 2)
	seq, method = cseqOf(bye)
	assert.Equal(t, uint32(2), seq)
	assert.Equal(t, sip.BYE, method)
	assert.Equal(t, "localtag", tagFrom(bye.From().Params))
	assert.Equal(t, "rt", tagFrom(bye.To().Params))
	assert.Equal(t, "call-123", bye.CallID().Value())
	assert.NotEqual(t, inviteBranch, branchOf(bye))
}

func TestBuildResponse(t *testing.T) {
	b, id := newTestBuilder()
	cs := testCallSession()
	invite, err := b.Invite(cs, 1, nil, CredentialsNone)
	require.NoError(t, err)

	trying := b.Response(invite, sip.StatusTrying, "Trying", id.Tag, nil)
	assert.Empty(t, tagFrom(trying.To().Params))

	ringing := b.Response(invite, sip.StatusRinging, "Ringing", id.Tag, nil)
	assert.Equal(t, id.Tag, tagFrom(ringing.To().Params))
	assert.Nil(t, ringing.Contact())
	assert.Empty(t, ringing.Body())

	body := []byte("v=0\r\n")
	ok := b.Response(invite, sip.StatusOK, "OK", id.Tag, body)
	assert.Equal(t, body, ok.Body())
	// Same dialog tag on every response of transaction
	assert.Equal(t, id.Tag, tagFrom(ok.To().Params))
	require.NotNil(t, ok.Contact())
	assert.Equal(t, "203.0.113.5", ok.Contact().Address.Host)
	assert.Equal(t, "Alice", ok.Contact().DisplayName)
	assert.Equal(t, "application/sdp", ok.GetHeader("Content-Type").Value())

	for _, code := range []int{sip.StatusBusyHere, statusDecline} {
		res := b.Response(invite, code, "", id.Tag, nil)
		assert.Equal(t, id.Tag, tagFrom(res.To().Params))
		assert.Nil(t, res.Contact())
	}

	// In dialog request keeps tag it was sent with
	bye := remoteRequest(sip.BYE, "call-9", 2, testBobURI, testAliceURI, "bobtag", "alicetag")
	res := b.Response(bye, sip.StatusOK, "OK", id.Tag, nil)
	assert.Equal(t, "alicetag", tagFrom(res.To().Params))
}

func TestParseMessageMalformed(t *testing.T) {
	_, err := ParseMessage([]byte("not a sip message"))
	require.ErrorIs(t, err, ErrMalformedMessage)

	raw := "BYE sip:alice@203.0.113.5 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 198.51.100.1:5060;branch=z9hG4bK1\r\n" +
		"From: <sip:bob@example.com>;tag=a\r\n" +
		"To: <sip:alice@example.com>;tag=b\r\n" +
		"CSeq: 2 BYE\r\n" +
		"Content-Length: 0\r\n\r\n"
	_, err = ParseMessage([]byte(raw))
	require.ErrorIs(t, err, ErrMalformedMessage)
	var e *MalformedMessageError
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Reason, "Call-ID")
}
