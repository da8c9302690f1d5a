// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const digestAlgorithm = "MD5"

// ComputeResponse calculates RFC 2617 digest response without qop.
//
//	HA1 = MD5(username:realm:password)
//	HA2 = MD5(method:uri)
//	response = MD5(HA1:nonce:HA2)
func ComputeResponse(username, realm, password, method, uri, nonce string) (string, error) {
	for _, f := range []struct{ name, val string }{
		{"username", username},
		{"realm", realm},
		{"password", password},
		{"method", method},
		{"uri", uri},
		{"nonce", nonce},
	} {
		if f.val == "" {
			return "", &InvalidInputError{Field: f.name}
		}
	}

	cred, err := digest.Digest(&digest.Challenge{
		Realm:     realm,
		Nonce:     nonce,
		Algorithm: digestAlgorithm,
	}, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", err
	}
	return cred.Response, nil
}

// DigestChallenge is what we keep from WWW-Authenticate or Proxy-Authenticate
type DigestChallenge struct {
	Realm  string
	Nonce  string
	Opaque string
	// Proxy is true for 407 challenge. Credentials then go in Proxy-Authorization
	Proxy bool
}

// ParseChallenge parses challenge header value of 401 or 407 response
func ParseChallenge(res *sip.Response) (DigestChallenge, error) {
	hname := "WWW-Authenticate"
	proxy := int(res.StatusCode) == 407
	if proxy {
		hname = "Proxy-Authenticate"
	}

	h := res.GetHeader(hname)
	if h == nil {
		return DigestChallenge{}, fmt.Errorf("missing %s header", hname)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return DigestChallenge{}, fmt.Errorf("parse %s: %w", hname, err)
	}

	if chal.Algorithm != "" && !strings.EqualFold(chal.Algorithm, digestAlgorithm) {
		return DigestChallenge{}, fmt.Errorf("unsupported digest algorithm %q", chal.Algorithm)
	}

	return DigestChallenge{
		Realm:  chal.Realm,
		Nonce:  chal.Nonce,
		Opaque: chal.Opaque,
		Proxy:  proxy,
	}, nil
}

// authorizationHeader builds Authorization or Proxy-Authorization header for request
func authorizationHeader(id *LocalIdentity, proxy bool, method sip.RequestMethod, uri string) (sip.Header, error) {
	resp, err := ComputeResponse(id.Username, id.Realm, id.Password, string(method), uri, id.Nonce)
	if err != nil {
		return nil, err
	}

	cred := digest.Credentials{
		Username:  id.Username,
		Realm:     id.Realm,
		Nonce:     id.Nonce,
		URI:       uri,
		Response:  resp,
		Algorithm: digestAlgorithm,
		Opaque:    id.Opaque,
	}

	hname := "Authorization"
	if proxy {
		hname = "Proxy-Authorization"
	}
	return sip.NewHeader(hname, cred.String()), nil
}

type DigestAuth struct {
	Username string
	Password string
	Realm    string
	Expire   time.Duration
	// Proxy makes server challenge with 407
	Proxy bool
}

func (a *DigestAuth) expire() time.Duration {
	if a.Expire > 0 {
		return a.Expire
	}
	return 5 * time.Second
}

// DigestAuthServer is registrar/proxy side of digest. Nonces are kept for Expire duration.
type DigestAuthServer struct {
	mu    sync.Mutex
	cache map[string]*digest.Challenge
}

func NewDigestServer() *DigestAuthServer {
	t := &DigestAuthServer{
		cache: make(map[string]*digest.Challenge),
	}
	return t
}

var (
	ErrDigestAuthNoChallenge = errors.New("no challenge")
	ErrDigestAuthBadCreds    = errors.New("bad credentials")
)

// AuthorizeRequest authorizes request. Returns SIP response that can be passed with error.
// Request with wrong credentials is challenged again.
func (s *DigestAuthServer) AuthorizeRequest(req *sip.Request, auth DigestAuth) (res *sip.Response, err error) {
	if auth.Realm == "" {
		auth.Realm = "sipgo"
	}

	credHdr := "Authorization"
	if auth.Proxy {
		credHdr = "Proxy-Authorization"
	}

	// https://www.rfc-editor.org/rfc/rfc2617#page-6
	h := req.GetHeader(credHdr)
	if h == nil {
		return s.challenge(req, auth)
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil), err
	}

	s.mu.Lock()
	chal, exists := s.cache[cred.Nonce]
	s.mu.Unlock()
	if !exists {
		res, err := s.challenge(req, auth)
		return res, errors.Join(ErrDigestAuthNoChallenge, err)
	}

	expected, err := ComputeResponse(auth.Username, chal.Realm, auth.Password, req.Method.String(), cred.URI, chal.Nonce)
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil), err
	}

	if cred.Username != auth.Username || cred.Response != expected {
		res, err := s.challenge(req, auth)
		return res, errors.Join(ErrDigestAuthBadCreds, err)
	}

	return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil), nil
}

func (s *DigestAuthServer) challenge(req *sip.Request, auth DigestAuth) (*sip.Response, error) {
	nonce, err := generateNonce()
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", nil), err
	}

	chal := &digest.Challenge{
		Realm:     auth.Realm,
		Nonce:     nonce,
		Algorithm: digestAlgorithm,
	}

	var res *sip.Response
	if auth.Proxy {
		res = sip.NewResponseFromRequest(req, sip.StatusProxyAuthRequired, "Proxy Authentication Required", nil)
		res.AppendHeader(sip.NewHeader("Proxy-Authenticate", chal.String()))
	} else {
		res = sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	}

	s.mu.Lock()
	s.cache[nonce] = chal
	s.mu.Unlock()
	time.AfterFunc(auth.expire(), func() {
		s.mu.Lock()
		delete(s.cache, nonce)
		s.mu.Unlock()
	})

	return res, nil
}

func generateNonce() (string, error) {
	nonceBytes := make([]byte, 32)
	_, err := rand.Read(nonceBytes)
	if err != nil {
		return "", fmt.Errorf("could not generate nonce")
	}

	return base64.URLEncoding.EncodeToString(nonceBytes), nil
}
