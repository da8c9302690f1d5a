// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import "context"

// Transport sends single SIP datagram to host:port.
// Inbound datagrams are passed to Session.HandleDatagram.
type Transport interface {
	Send(ctx context.Context, data []byte, host string, port int) error
}

type TransportFunc func(ctx context.Context, data []byte, host string, port int) error

func (f TransportFunc) Send(ctx context.Context, data []byte, host string, port int) error {
	return f(ctx, data, host, port)
}
