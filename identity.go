// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/tinysip/tinyua/media/sdp"
)

const (
	DefaultSIPPort = 5060

	branchMagicCookie = "z9hG4bK"
)

// LocalIdentity is our registered profile.
type LocalIdentity struct {
	Username    string
	DisplayName string
	Domain      string
	Password    string
	// RegistrarPort defaults to 5060
	RegistrarPort int

	LocalRTPPort  int
	LocalRTCPPort int
	// AudioFormats are offered in this order of preference
	AudioFormats sdp.AudioFormats

	// Tag is sent in From of every request we originate. Generated once.
	Tag string

	// Realm and Nonce are updated by the session actor on challenge
	Realm string
	Nonce string
	// Opaque is echoed back if challenge had it
	Opaque string
}

// NewLocalIdentity creates identity with generated tag and default formats.
func NewLocalIdentity(username, domain, password string) *LocalIdentity {
	return &LocalIdentity{
		Username:      username,
		Domain:        domain,
		Password:      password,
		RegistrarPort: DefaultSIPPort,
		LocalRTPPort:  40000,
		LocalRTCPPort: 40001,
		AudioFormats:  sdp.AudioFormats{sdp.FormatALAW, sdp.FormatULAW},
		Tag:           newTag(),
	}
}

func (l *LocalIdentity) registrarPort() int {
	if l.RegistrarPort > 0 {
		return l.RegistrarPort
	}
	return DefaultSIPPort
}

// URI is sip:username@domain
func (l *LocalIdentity) URI() sip.Uri {
	return sip.Uri{Scheme: "sip", User: l.Username, Host: l.Domain}
}

// DomainURI is sip:domain, used as REGISTER request uri
func (l *LocalIdentity) DomainURI() sip.Uri {
	return sip.Uri{Scheme: "sip", Host: l.Domain}
}

// RemoteContact is party we call.
type RemoteContact struct {
	Username string
	// Domain may carry port as host:port
	Domain string
	// DirectDial sends INVITE to Domain instead of through registrar
	DirectDial bool
}

func (c RemoteContact) URI() sip.Uri {
	host, port := splitHostPort(c.Domain)
	u := sip.Uri{Scheme: "sip", User: c.Username, Host: host}
	if port > 0 && port != DefaultSIPPort {
		u.Port = port
	}
	return u
}

// NetworkLocation is result of NAT discovery.
// Public values are used for every externally visible address.
type NetworkLocation struct {
	LocalIP    string
	LocalPort  int
	PublicIP   string
	PublicPort int
}

func (n NetworkLocation) publicPort() int {
	if n.PublicPort > 0 {
		return n.PublicPort
	}
	return n.LocalPort
}

func (n NetworkLocation) publicIP() string {
	if n.PublicIP != "" {
		return n.PublicIP
	}
	return n.LocalIP
}

func splitHostPort(hostport string) (string, int) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return host, 0
	}
	return host, port
}

func newTag() string {
	return uuid.NewString()[:8]
}

func newCallID() string {
	return uuid.NewString()
}

func newBranch() string {
	return branchMagicCookie + uuid.NewString()
}
