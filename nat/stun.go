// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package nat discovers public address of signaling socket.
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/rs/zerolog/log"
	"github.com/tinysip/tinyua"
)

var (
	ErrNoMappedAddress = errors.New("stun: response without mapped address")
	ErrDiscoveryFailed = errors.New("stun: no response from server")
)

// RTO is initial STUN retransmit interval, doubled on every retransmit. RFC 5389 7.2.1
var RTO = 500 * time.Millisecond

// Discover sends STUN binding request from conn and returns location where
// public address is one seen by server. It must be called before conn is used by reader.
func Discover(ctx context.Context, conn net.PacketConn, server string) (tinyua.NetworkLocation, error) {
	loc := tinyua.NetworkLocation{}
	laddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return loc, fmt.Errorf("stun: conn is not udp")
	}

	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return loc, err
	}

	loc.LocalIP = laddr.IP.String()
	loc.LocalPort = laddr.Port
	if laddr.IP.IsUnspecified() {
		loc.LocalIP, err = outboundIP(raddr)
		if err != nil {
			return loc, err
		}
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return loc, err
	}

	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	rto := RTO
	for {
		if _, err := conn.WriteTo(req.Raw, raddr); err != nil {
			return loc, err
		}

		deadline := time.Now().Add(rto)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetReadDeadline(deadline)

		res, err := readResponse(conn, buf, req.TransactionID)
		if err == nil {
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(res); err == nil {
				loc.PublicIP, loc.PublicPort = xorAddr.IP.String(), xorAddr.Port
				return loc, nil
			}
			var mapped stun.MappedAddress
			if err := mapped.GetFrom(res); err == nil {
				loc.PublicIP, loc.PublicPort = mapped.IP.String(), mapped.Port
				return loc, nil
			}
			return loc, ErrNoMappedAddress
		}

		var nerr net.Error
		if !errors.As(err, &nerr) || !nerr.Timeout() {
			return loc, err
		}
		if ctx.Err() != nil {
			return loc, errors.Join(ErrDiscoveryFailed, ctx.Err())
		}
		rto *= 2
		log.Debug().Str("server", server).Dur("rto", rto).Msg("Retransmitting STUN binding request")
	}
}

// readResponse reads until response to transaction arrives. Other datagrams are dropped.
func readResponse(conn net.PacketConn, buf []byte, tid [stun.TransactionIDSize]byte) (*stun.Message, error) {
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != tid {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return nil, fmt.Errorf("stun: unexpected response %s", res.Type)
		}
		return res, nil
	}
}

// outboundIP is local address used to reach raddr
func outboundIP(raddr *net.UDPAddr) (string, error) {
	c, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return "", err
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
