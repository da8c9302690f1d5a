// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
)

func TestCallerNumber(t *testing.T) {
	for _, tc := range []struct {
		uri      string
		expected string
	}{
		{"sip:004930123456@domain", "030123456"},
		{"sip:+4930123456@domain", "030123456"},
		{"sip:4930123456@domain", "030123456"},
		{"sip:030123456@domain", "030123456"},
		{"sip:alice@example.com", "alice"},
		{"sip:4930123456", "030123456"},
	} {
		assert.Equal(t, tc.expected, CallerNumber(tc.uri), tc.uri)
	}

	cs := CallSession{RemoteURI: sip.Uri{Scheme: "sip", User: "+4930123456", Host: "example.com"}}
	assert.Equal(t, "030123456", cs.CallerNumber())
}

func TestDialogTransitions(t *testing.T) {
	// Session is not served, test goroutine acts as actor
	s := NewSession(testIdentity(), testLocation(), newConnRecorder(), WithListener(newEventRecorder()))
	d := s.dialog

	// Refused transition keeps state
	d.event(evAnswer, transition{})
	assert.Equal(t, DialogIdle, d.State())

	for _, tc := range []struct {
		events []string
		state  DialogState
	}{
		{[]string{evInvite, evRinging, evAnswered}, DialogEstablished},
		{[]string{evHangup}, DialogIdle},
		{[]string{evInvite, evCancel, evCancelled}, DialogIdle},
		{[]string{evIncoming, evBusy}, DialogBusy},
		{[]string{evReset, evIncoming, evDecline}, DialogDeclined},
		{[]string{evReset, evInvite, evFail}, DialogError},
		{[]string{evReset}, DialogIdle},
	} {
		for _, ev := range tc.events {
			d.event(ev, transition{})
		}
		assert.Equal(t, tc.state, d.State(), tc.events)
	}
}
