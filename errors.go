// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrMalformedMessage       = errors.New("malformed message")
	ErrProtocolTimeout        = errors.New("protocol timeout")
	ErrAuthenticationRejected = errors.New("authentication rejected")
	ErrTransport              = errors.New("transport failure")
	ErrBusyLocally            = errors.New("busy locally")
	ErrInvalidState           = errors.New("invalid state")
	ErrSessionClosed          = errors.New("session closed")
	ErrNoCommonCodec          = errors.New("no common audio format")
)

type InvalidInputError struct {
	Field string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s is empty", e.Field)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// MalformedMessageError is returned for inbound datagrams that can not be used.
// These are logged and dropped.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %s", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() []error {
	return []error{ErrMalformedMessage, e.Err}
}

// ProtocolTimeoutError is reported when transaction got no final response
type ProtocolTimeoutError struct {
	Method sip.RequestMethod
	CallID string
}

func (e *ProtocolTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out call_id=%s", e.Method, e.CallID)
}

func (e *ProtocolTimeoutError) Unwrap() error { return ErrProtocolTimeout }

// AuthenticationRejectedError is reported when credentials were refused,
// or challenge repeated for already authorized request.
type AuthenticationRejectedError struct {
	Method     sip.RequestMethod
	StatusCode int
	Realm      string
}

func (e *AuthenticationRejectedError) Error() string {
	return fmt.Sprintf("%s authentication rejected code=%d realm=%q", e.Method, e.StatusCode, e.Realm)
}

func (e *AuthenticationRejectedError) Unwrap() error { return ErrAuthenticationRejected }

type TransportError struct {
	Host string
	Port int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport send to %s:%d: %s", e.Host, e.Port, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// RegisterResponseError is final non 2xx response on REGISTER
type RegisterResponseError struct {
	RegisterReq *sip.Request
	RegisterRes *sip.Response

	Msg string
}

func (e *RegisterResponseError) StatusCode() int {
	return int(e.RegisterRes.StatusCode)
}

func (e RegisterResponseError) Error() string {
	return e.Msg
}

// StateError is returned by commands that are not valid in current state
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
