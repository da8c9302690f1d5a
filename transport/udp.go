// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UDPMTU is max datagram we read
const UDPMTU = 65535

// DatagramHandler receives inbound datagram. Data is valid only during call.
type DatagramHandler func(data []byte, srcIP string, srcPort int)

// UDP is signaling transport over single UDP socket.
// Same socket is used for STUN discovery before Serve so NAT binding is shared.
type UDP struct {
	conn     net.PacketConn
	resolver *Resolver
	log      zerolog.Logger
}

type UDPOption func(t *UDP)

// WithResolver resolves host names, default Resolver uses system nameserver
func WithResolver(r *Resolver) UDPOption {
	return func(t *UDP) {
		t.resolver = r
	}
}

func WithUDPLogger(l zerolog.Logger) UDPOption {
	return func(t *UDP) {
		t.log = l
	}
}

// ListenUDP opens socket on addr, ex. 0.0.0.0:5060
func ListenUDP(addr string, opts ...UDPOption) (*UDP, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, err
	}
	return NewUDP(conn, opts...), nil
}

func NewUDP(conn net.PacketConn, opts ...UDPOption) *UDP {
	t := &UDP{
		conn:     conn,
		resolver: &Resolver{},
		log:      log.Logger.With().Str("caller", "transport").Logger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Conn is underlying socket
func (t *UDP) Conn() net.PacketConn {
	return t.conn
}

func (t *UDP) LocalAddr() netip.AddrPort {
	if a, ok := t.conn.LocalAddr().(*net.UDPAddr); ok {
		return a.AddrPort()
	}
	addr, _ := netip.ParseAddrPort(t.conn.LocalAddr().String())
	return addr
}

// Send resolves host and writes datagram. Context deadline bounds write.
func (t *UDP) Send(ctx context.Context, data []byte, host string, port int) error {
	addr, err := t.resolver.Resolve(ctx, host, port)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}

	_, err = t.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}
	t.log.Trace().Str("dst", addr.String()).Int("len", len(data)).Msg("UDP sent")
	return nil
}

// Serve reads datagrams until ctx is done or socket is closed. Socket is closed on return.
func (t *UDP) Serve(ctx context.Context, handler DatagramHandler) error {
	// Discovery may have left deadline on socket
	if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock ReadFrom
		t.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	defer t.conn.Close()

	t.log.Info().Str("addr", t.conn.LocalAddr().String()).Msg("Listening UDP")
	buf := make([]byte, UDPMTU)
	for {
		num, raddr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return err
		}

		udpAddr, ok := raddr.(*net.UDPAddr)
		if !ok {
			continue
		}
		src := udpAddr.AddrPort()
		handler(buf[:num], src.Addr().Unmap().String(), int(src.Port()))
	}
}

func (t *UDP) Close() error {
	return t.conn.Close()
}
