// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testRemoteIP   = "198.51.100.1"
	testRemotePort = 5060
	testRemoteTag  = "remotetag"
)

type frame struct {
	raw  string
	msg  sip.Message
	host string
	port int
}

func (f frame) startLine() string {
	line, _, _ := strings.Cut(f.raw, "\r\n")
	return line
}

// connRecorder is Transport recording every sent datagram
type connRecorder struct {
	frames chan frame
	failN  atomic.Int32
}

func newConnRecorder() *connRecorder {
	return &connRecorder{frames: make(chan frame, 100)}
}

func (c *connRecorder) Send(ctx context.Context, data []byte, host string, port int) error {
	if c.failN.Load() > 0 {
		c.failN.Add(-1)
		return context.DeadlineExceeded
	}
	msg, err := sip.ParseMessage(data)
	if err != nil {
		return err
	}
	c.frames <- frame{raw: string(data), msg: msg, host: host, port: port}
	return nil
}

func (c *connRecorder) next(t testing.TB) frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
	}
	return frame{}
}

func (c *connRecorder) nextRequest(t testing.TB, method sip.RequestMethod) (*sip.Request, frame) {
	t.Helper()
	f := c.next(t)
	req, ok := f.msg.(*sip.Request)
	require.True(t, ok, "expected request, got %s", f.startLine())
	require.Equal(t, method, req.Method, req.StartLine())
	return req, f
}

func (c *connRecorder) nextResponse(t testing.TB, code int) *sip.Response {
	t.Helper()
	f := c.next(t)
	res, ok := f.msg.(*sip.Response)
	require.True(t, ok, "expected response, got %s", f.startLine())
	require.Equal(t, code, int(res.StatusCode), res.StartLine())
	return res
}

func (c *connRecorder) requireEmpty(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected frame %s", f.startLine())
	case <-time.After(wait):
	}
}

// eventRecorder is Listener pushing events to channels
type eventRecorder struct {
	status   chan StatusEvent
	call     chan CallStatusEvent
	sessions chan SessionEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		status:   make(chan StatusEvent, 100),
		call:     make(chan CallStatusEvent, 100),
		sessions: make(chan SessionEvent, 100),
	}
}

func (r *eventRecorder) StatusChanged(e StatusEvent)       { r.status <- e }
func (r *eventRecorder) CallStatusChanged(e CallStatusEvent) { r.call <- e }
func (r *eventRecorder) SessionChanged(e SessionEvent)     { r.sessions <- e }

func (r *eventRecorder) nextStatus(t testing.TB) StatusEvent {
	t.Helper()
	select {
	case e := <-r.status:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no registration status")
	}
	return StatusEvent{}
}

func (r *eventRecorder) nextCall(t testing.TB, state DialogState) CallStatusEvent {
	t.Helper()
	select {
	case e := <-r.call:
		require.Equal(t, state, e.State, e.Message)
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("no call status, expected %s", state)
	}
	return CallStatusEvent{}
}

func (r *eventRecorder) nextSession(t testing.TB) SessionEvent {
	t.Helper()
	select {
	case e := <-r.sessions:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no session event")
	}
	return SessionEvent{}
}

type testUA struct {
	*Session
	rec    *connRecorder
	events *eventRecorder
}

func testIdentity() *LocalIdentity {
	id := NewLocalIdentity("alice", "example.com", "secret")
	id.DisplayName = "Alice"
	return id
}

func testLocation() NetworkLocation {
	return NetworkLocation{
		LocalIP:    "192.168.1.10",
		LocalPort:  5060,
		PublicIP:   "203.0.113.5",
		PublicPort: 40123,
	}
}

// newTestUA starts session. Default timers are long so nothing is retransmitted during test.
func newTestUA(t testing.TB, opts ...SessionOption) *testUA {
	rec := newConnRecorder()
	events := newEventRecorder()

	opts = append([]SessionOption{
		WithListener(events),
		WithTimers(Timers{T1: 10 * time.Second, Invite: time.Minute}),
		WithLogger(zerolog.Nop()),
	}, opts...)
	s := NewSession(testIdentity(), testLocation(), rec, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testUA{Session: s, rec: rec, events: events}
}

func (u *testUA) inject(msg sip.Message, ip string, port int) {
	u.HandleDatagram([]byte(msg.String()), ip, port)
}

// respond builds response as remote party and feeds it to session
func (u *testUA) respond(req *sip.Request, code int, reason string, body []byte, headers ...sip.Header) *sip.Response {
	return u.respondTag(req, code, reason, testRemoteTag, body, headers...)
}

// respondTag is respond with given To tag, as sent by proxy or callee
func (u *testUA) respondTag(req *sip.Request, code int, reason string, tag string, body []byte, headers ...sip.Header) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if to := res.To(); to != nil && code > 100 {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params["tag"] = tag
	}
	if body != nil {
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
	}
	for _, h := range headers {
		res.AppendHeader(h)
	}
	u.inject(res, testRemoteIP, testRemotePort)
	return res
}

func remoteContact() *sip.ContactHeader {
	return &sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: testRemoteIP, Port: testRemotePort}, Params: sip.NewParams()}
}

func remoteAnswer(rtpPort string) []byte {
	return []byte("v=0\r\n" +
		"o=bob 2890844527 2890844527 IN IP4 " + testRemoteIP + "\r\n" +
		"s=-\r\n" +
		"c=IN IP4 " + testRemoteIP + "\r\n" +
		"t=0 0\r\n" +
		"m=audio " + rtpPort + " RTP/AVP 8\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=sendrecv\r\n")
}

func cseqOf(msg sip.Message) (uint32, sip.RequestMethod) {
	var h *sip.CSeqHeader
	switch m := msg.(type) {
	case *sip.Request:
		h = m.CSeq()
	case *sip.Response:
		h = m.CSeq()
	}
	return h.SeqNo, h.MethodName
}

func remoteOffer(formats ...string) []byte {
	ids := make([]string, 0, len(formats))
	var maps string
	for _, f := range formats {
		switch f {
		case "PCMU":
			ids = append(ids, "0")
			maps += "a=rtpmap:0 PCMU/8000\r\n"
		case "PCMA":
			ids = append(ids, "8")
			maps += "a=rtpmap:8 PCMA/8000\r\n"
		case "G722":
			ids = append(ids, "9")
			maps += "a=rtpmap:9 G722/8000\r\n"
		}
	}
	return []byte("v=0\r\n" +
		"o=bob 3724394400 3724394405 IN IP4 " + testRemoteIP + "\r\n" +
		"s=-\r\n" +
		"c=IN IP4 " + testRemoteIP + "\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 RTP/AVP " + strings.Join(ids, " ") + "\r\n" +
		maps +
		"a=sendrecv\r\n")
}

// remoteRequest builds request sent by remote party
func remoteRequest(method sip.RequestMethod, callID string, cseq uint32, from, to sip.Uri, fromTag, toTag string) *sip.Request {
	req := sip.NewRequest(method, to)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            testRemoteIP,
		Port:            testRemotePort,
		Params:          sip.NewParams().Add("branch", newBranch()),
	})
	fromParams := sip.NewParams()
	if fromTag != "" {
		fromParams = fromParams.Add("tag", fromTag)
	}
	req.AppendHeader(&sip.FromHeader{Address: from, Params: fromParams})
	toParams := sip.NewParams()
	if toTag != "" {
		toParams = toParams.Add("tag", toTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: to, Params: toParams})
	callid := sip.CallIDHeader(callID)
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxfwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxfwd)
	return req
}

var (
	testBobURI   = sip.Uri{Scheme: "sip", User: "004930123456", Host: "example.com"}
	testAliceURI = sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}
)

// remoteInvite builds initial INVITE from remote party
func remoteInvite(callID string, body []byte) *sip.Request {
	req := remoteRequest(sip.INVITE, callID, 1, testBobURI, testAliceURI, testRemoteTag, "")
	req.AppendHeader(remoteContact())
	if body != nil {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
	}
	req.SetBody(body)
	return req
}
