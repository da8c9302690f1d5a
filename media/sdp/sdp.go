// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSessionName is used for every offer we originate
const DefaultSessionName = "call"

var (
	ErrNoAudioMedia = errors.New("sdp: no audio media description")
	ErrNoConnection = errors.New("sdp: no connection information")
)

// Description is negotiated view of remote (or local) SDP, limited to single audio stream.
type Description struct {
	// Origin values. Answer echoes these from the offer.
	SessionID      uint64
	SessionVersion uint64
	SessionName    string

	// ConnectionAddress is c= address of audio stream
	ConnectionAddress string
	RTPPort           int
	RTCPPort          int
	Formats           AudioFormats
	Mode              Mode
}

// BuildParams defines local audio endpoint advertised in SDP
type BuildParams struct {
	// Username goes in o= line. Must not contain spaces.
	Username string
	// Address is public (NAT) address used for origin and connection.
	Address  string
	RTPPort  int
	RTCPPort int
	Formats  AudioFormats
	Mode     Mode

	// Echo is set when building answer. Origin session id, version
	// and session name are taken from the offer.
	Echo *Description
}

// Build creates audio SDP. Output is CRLF terminated.
func Build(p BuildParams) ([]byte, error) {
	if p.Address == "" {
		return nil, ErrNoConnection
	}
	if p.RTPPort <= 0 {
		return nil, fmt.Errorf("sdp: bad rtp port %d", p.RTPPort)
	}

	username := strings.ReplaceAll(p.Username, " ", "_")
	if username == "" {
		username = "-"
	}

	ntp := NTPTimestamp(time.Now())
	sessID, sessVersion, sessName := ntp, ntp, DefaultSessionName
	if e := p.Echo; e != nil {
		sessID, sessVersion = e.SessionID, e.SessionVersion
		if e.SessionName != "" {
			sessName = e.SessionName
		}
	}

	addrType := addressType(p.Address)
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       username,
			SessionID:      sessID,
			SessionVersion: sessVersion,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: p.Address,
		},
		SessionName: sdp.SessionName(sessName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: p.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: p.RTPPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{},
		},
	}
	for _, f := range p.Formats {
		md = md.WithCodec(uint8(f.ID), f.Name, uint32(f.Rate), 0, "")
	}

	mode := p.Mode
	if mode == "" {
		mode = ModeSendrecv
	}
	md = md.WithPropertyAttribute(string(mode))
	if p.RTCPPort > 0 {
		md = md.WithValueAttribute("rtcp", strconv.Itoa(p.RTCPPort))
	}

	sd = sd.WithMedia(md)
	return sd.Marshal()
}

// Parse extracts audio transport from SDP body.
// Video and other media are skipped. Malformed rtpmap values are skipped as well.
func Parse(body []byte) (*Description, error) {
	sd := sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("sdp: %w", err)
	}

	var md *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return nil, ErrNoAudioMedia
	}

	d := &Description{
		SessionID:      sd.Origin.SessionID,
		SessionVersion: sd.Origin.SessionVersion,
		SessionName:    string(sd.SessionName),
		RTPPort:        md.MediaName.Port.Value,
		Mode:           ModeSendrecv,
	}

	ci := md.ConnectionInformation
	if ci == nil {
		ci = sd.ConnectionInformation
	}
	if ci == nil || ci.Address == nil {
		return nil, ErrNoConnection
	}
	d.ConnectionAddress = ci.Address.Address

	// RFC 3605 default when no rtcp attribute
	d.RTCPPort = d.RTPPort + 1

	mapped := make(map[int]AudioFormat)
	var mappedOrder []int
	malformed := make(map[int]struct{})
	for _, a := range md.Attributes {
		switch a.Key {
		case "rtpmap":
			f, err := ParseAudioFormat(a.Value)
			if err != nil {
				log.Debug().Err(err).Msg("Skipping rtpmap")
				if id, err := strconv.Atoi(strings.Fields(a.Value + " x")[0]); err == nil {
					malformed[id] = struct{}{}
				}
				continue
			}
			if _, exists := mapped[f.ID]; !exists {
				mappedOrder = append(mappedOrder, f.ID)
			}
			mapped[f.ID] = f
		case "rtcp":
			// a=rtcp:<port> [IN IP4 <addr>]
			fields := strings.Fields(a.Value)
			if len(fields) == 0 {
				continue
			}
			port, err := strconv.Atoi(fields[0])
			if err != nil {
				log.Debug().Str("rtcp", a.Value).Msg("Ignoring non numeric rtcp attribute")
				continue
			}
			d.RTCPPort = port
		case string(ModeSendrecv), string(ModeSendonly), string(ModeRecvonly), string(ModeInactive):
			d.Mode = Mode(a.Key)
		}
	}

	// Keep m= line order, then rtpmap entries missing from m= line
	listed := make(map[int]struct{})
	for _, pt := range md.MediaName.Formats {
		id, err := strconv.Atoi(pt)
		if err != nil {
			continue
		}
		if _, dup := listed[id]; dup {
			continue
		}
		listed[id] = struct{}{}
		if f, exists := mapped[id]; exists {
			d.Formats = append(d.Formats, f)
			continue
		}
		if _, skip := malformed[id]; skip {
			continue
		}
		if f, exists := staticFormats[id]; exists {
			d.Formats = append(d.Formats, f)
		}
	}
	for _, id := range mappedOrder {
		if _, exists := listed[id]; !exists {
			d.Formats = append(d.Formats, mapped[id])
		}
	}

	return d, nil
}

func addressType(addr string) string {
	if strings.Contains(addr, ":") {
		return "IP6"
	}
	return "IP4"
}
