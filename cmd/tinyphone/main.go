// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// tinyphone is softphone profile runner. It registers, places or answers calls
// and logs session state.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tinysip/tinyua"
	"github.com/tinysip/tinyua/nat"
	"github.com/tinysip/tinyua/transport"
)

func main() {
	configPath := flag.String("config", "tinyphone.yaml", "profile yaml")
	callUser := flag.String("call", "", "number or user to call after registration")
	callDomain := flag.String("call-domain", "", "domain of called party, default is profile domain")
	direct := flag.Bool("direct", false, "send INVITE directly to call domain")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	sip.SIPDebug = os.Getenv("SIP_DEBUG") != ""

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	var contact *tinyua.RemoteContact
	if *callUser != "" {
		contact = &tinyua.RemoteContact{Username: *callUser, Domain: *callDomain, DirectDial: *direct}
		if contact.Domain == "" {
			contact.Domain = cfg.Domain
		}
	}

	if err := run(ctx, cfg, contact); err != nil {
		log.Fatal().Err(err).Msg("Phone finished with error")
	}
}

func run(ctx context.Context, cfg *Config, contact *tinyua.RemoteContact) error {
	id, err := cfg.Identity()
	if err != nil {
		return err
	}

	udp, err := transport.ListenUDP(cfg.Listen, transport.WithResolver(&transport.Resolver{NameServer: cfg.NameServer}))
	if err != nil {
		return err
	}
	defer udp.Close()

	loc, err := discover(ctx, cfg, udp)
	if err != nil {
		return err
	}
	log.Info().Interface("location", loc).Msg("Network location")

	reg := prometheus.NewRegistry()
	metrics := tinyua.NewMetrics(reg)

	registered := make(chan struct{}, 1)
	unregistered := make(chan struct{}, 1)
	incoming := make(chan struct{}, 1)
	listener := tinyua.ListenerFuncs{
		OnStatus: func(e tinyua.StatusEvent) {
			log.Info().Err(e.Err).Str("state", string(e.State)).Msg("Registration")
			switch e.State {
			case tinyua.Registered:
				notify(registered)
			case tinyua.Unregistered:
				notify(unregistered)
			}
		},
		OnCallStatus: func(e tinyua.CallStatusEvent) {
			log.Info().Err(e.Err).Str("call_id", e.CallID).Int("status", e.StatusCode).Str("state", string(e.State)).Msg(e.Message)
			if e.State == tinyua.DialogIncoming && cfg.AutoAnswer {
				notify(incoming)
			}
		},
		OnSession: func(e tinyua.SessionEvent) {
			cs := e.Session
			log.Info().
				Str("call_id", cs.CallID).
				Str("caller", cs.CallerNumber()).
				Str("rtp", cs.RemoteRTPAddress).
				Int("rtp_port", cs.RemoteRTPPort).
				Int("rtcp_port", cs.RemoteRTCPPort).
				Str("formats", cs.AudioFormats.String()).
				Bool("ended", e.Ended).
				Msg("Call session")
		},
	}

	sess := tinyua.NewSession(id, loc, udp,
		tinyua.WithLogger(log.Logger.With().Str("caller", "tinyua").Logger()),
		tinyua.WithListener(listener),
		tinyua.WithMetrics(metrics),
		tinyua.WithUserAgent(cfg.UserAgent),
	)

	serveCtx, serveCancel := context.WithCancel(context.Background())
	defer serveCancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.Serve(serveCtx)
	}()
	go func() {
		defer wg.Done()
		if err := udp.Serve(serveCtx, sess.HandleDatagram); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("UDP transport stopped")
		}
	}()

	if cfg.Metrics != "" {
		srv := &http.Server{Addr: cfg.Metrics, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer srv.Close()
	}

	if err := sess.RegisterProfile(ctx); err != nil {
		return err
	}

	if contact != nil {
		select {
		case <-registered:
		case <-ctx.Done():
			return nil
		}
		if err := sess.SendInvite(ctx, *contact); err != nil {
			return err
		}
	}

loop:
	for {
		select {
		case <-incoming:
			if err := sess.Answer(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to answer")
			}
		case <-ctx.Done():
			break loop
		}
	}

	shutdown(sess, unregistered)
	serveCancel()
	wg.Wait()
	return nil
}

// shutdown releases call and binding before exit
func shutdown(sess *tinyua.Session, unregistered chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, _, err := sess.CallState(ctx)
	if err != nil {
		return
	}
	switch st {
	case tinyua.DialogEstablished:
		sess.Hangup(ctx)
	case tinyua.DialogInviting, tinyua.DialogRinging:
		sess.CancelInvite(ctx)
	case tinyua.DialogIncoming:
		sess.Decline(ctx)
	}

	if st, _ := sess.RegistrationState(ctx); st != tinyua.Registered {
		return
	}
	// Drop stale notification
	select {
	case <-unregistered:
	default:
	}
	if err := sess.UnregisterProfile(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to unregister")
		return
	}
	select {
	case <-unregistered:
	case <-ctx.Done():
		log.Warn().Msg("Unregister not confirmed")
	}
}

func discover(ctx context.Context, cfg *Config, udp *transport.UDP) (tinyua.NetworkLocation, error) {
	laddr := udp.LocalAddr()
	if cfg.STUN == "" {
		return tinyua.NetworkLocation{
			LocalIP:   laddr.Addr().String(),
			LocalPort: int(laddr.Port()),
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return nat.Discover(ctx, udp.Conn(), cfg.STUN)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
