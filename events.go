// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

// StatusEvent is registration state change.
// Err is set when transition was caused by failure, ex. ErrProtocolTimeout.
type StatusEvent struct {
	State RegistrationState
	Err   error
}

// CallStatusEvent is dialog state change
type CallStatusEvent struct {
	State  DialogState
	CallID string
	// StatusCode is final response code that caused transition, if any
	StatusCode int
	// Message is human readable progress
	Message string
	Err     error
}

// SessionEvent carries negotiated call session. Ended is set when session is released.
type SessionEvent struct {
	Session CallSession
	Ended   bool
}

// Listener receives notifications from session actor.
// Callbacks run on actor goroutine and must not block or call Session commands.
type Listener interface {
	StatusChanged(e StatusEvent)
	CallStatusChanged(e CallStatusEvent)
	SessionChanged(e SessionEvent)
}

// ListenerFuncs implements Listener with optional funcs
type ListenerFuncs struct {
	OnStatus     func(e StatusEvent)
	OnCallStatus func(e CallStatusEvent)
	OnSession    func(e SessionEvent)
}

func (l ListenerFuncs) StatusChanged(e StatusEvent) {
	if l.OnStatus != nil {
		l.OnStatus(e)
	}
}

func (l ListenerFuncs) CallStatusChanged(e CallStatusEvent) {
	if l.OnCallStatus != nil {
		l.OnCallStatus(e)
	}
}

func (l ListenerFuncs) SessionChanged(e SessionEvent) {
	if l.OnSession != nil {
		l.OnSession(e)
	}
}
