// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	FORMAT_TYPE_ULAW            = 0
	FORMAT_TYPE_ALAW            = 8
	FORMAT_TYPE_G722            = 9
	FORMAT_TYPE_TELEPHONE_EVENT = 101
)

var (
	FormatULAW           = AudioFormat{ID: FORMAT_TYPE_ULAW, Name: "PCMU", Rate: 8000}
	FormatALAW           = AudioFormat{ID: FORMAT_TYPE_ALAW, Name: "PCMA", Rate: 8000}
	FormatTelephoneEvent = AudioFormat{ID: FORMAT_TYPE_TELEPHONE_EVENT, Name: "telephone-event", Rate: 8000}
)

// staticFormats are RTP/AVP payload types that may appear without rtpmap.
// https://datatracker.ietf.org/doc/html/rfc3551#section-6
var staticFormats = map[int]AudioFormat{
	FORMAT_TYPE_ULAW: FormatULAW,
	3:                {ID: 3, Name: "GSM", Rate: 8000},
	FORMAT_TYPE_ALAW: FormatALAW,
	FORMAT_TYPE_G722: {ID: FORMAT_TYPE_G722, Name: "G722", Rate: 8000},
	18:               {ID: 18, Name: "G729", Rate: 8000},
}

// AudioFormat is single RTP payload mapping, as in a=rtpmap:<id> <name>/<rate>
type AudioFormat struct {
	ID   int
	Name string
	Rate int
}

// String renders format in rtpmap value form "<id> <name>/<rate>"
func (f AudioFormat) String() string {
	return strconv.Itoa(f.ID) + " " + f.Name + "/" + strconv.Itoa(f.Rate)
}

// ParseAudioFormat is inverse of String. The "rtpmap:" prefix is accepted.
// Encoding parameters after rate (channels) are ignored.
func ParseAudioFormat(s string) (AudioFormat, error) {
	f := AudioFormat{}
	v := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "rtpmap:"))

	ind := strings.IndexByte(v, ' ')
	if ind < 1 {
		return f, fmt.Errorf("missing payload type in %q", s)
	}

	id, err := strconv.Atoi(v[:ind])
	if err != nil || id < 0 || id > 127 {
		return f, fmt.Errorf("bad payload type in %q", s)
	}

	encoding := strings.Split(strings.TrimSpace(v[ind+1:]), "/")
	if len(encoding) < 2 || encoding[0] == "" {
		return f, fmt.Errorf("bad encoding in %q", s)
	}

	rate, err := strconv.Atoi(encoding[1])
	if err != nil || rate <= 0 {
		return f, fmt.Errorf("bad clock rate in %q", s)
	}

	f.ID = id
	f.Name = encoding[0]
	f.Rate = rate
	return f, nil
}

type AudioFormats []AudioFormat

// IDs returns payload types as used in m= line
func (fmts AudioFormats) IDs() []string {
	out := make([]string, len(fmts))
	for i, f := range fmts {
		out[i] = strconv.Itoa(f.ID)
	}
	return out
}

func (fmts AudioFormats) String() string {
	out := make([]string, len(fmts))
	for i, f := range fmts {
		out[i] = f.Name + "(" + strconv.Itoa(f.ID) + ")"
	}
	return strings.Join(out, ",")
}

// Negotiate intersects offered formats with local ones.
// Result keeps local preference order. Format matches on ID and Rate and
// every local format is taken at most once.
func Negotiate(local, remote AudioFormats) AudioFormats {
	var res AudioFormats
	for _, l := range local {
		for _, r := range remote {
			if l.ID == r.ID && l.Rate == r.Rate {
				res = append(res, l)
				break
			}
		}
	}
	return res
}
