// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type datagram struct {
	data string
	ip   string
	port int
}

func TestUDPSendReceive(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0", WithUDPLogger(zerolog.Nop()))
	require.NoError(t, err)
	b, err := ListenUDP("127.0.0.1:0", WithUDPLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan datagram, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Serve(ctx, func(data []byte, ip string, port int) {
			received <- datagram{string(data), ip, port}
		})
	}()

	baddr := b.LocalAddr()
	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
	defer sendCancel()
	require.NoError(t, a.Send(sendCtx, []byte("OPTIONS sip:bob SIP/2.0\r\n\r\n"), baddr.Addr().String(), int(baddr.Port())))

	select {
	case d := <-received:
		assert.Equal(t, "OPTIONS sip:bob SIP/2.0\r\n\r\n", d.data)
		assert.Equal(t, "127.0.0.1", d.ip)
		assert.Equal(t, int(a.LocalAddr().Port()), d.port)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestUDPSendResolveError(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0", WithUDPLogger(zerolog.Nop()), WithResolver(&Resolver{NameServer: "127.0.0.1:1", Timeout: 100 * time.Millisecond}))
	require.NoError(t, err)
	defer a.Close()

	err = a.Send(context.Background(), []byte("x"), "unknown.invalid", 5060)
	require.Error(t, err)
}
