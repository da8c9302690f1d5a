// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"time"
)

// Offset from Unix epoch (January 1, 1970) to NTP epoch (January 1, 1900)
const ntpEpochOffset int64 = 2208988800

func NTPTimestamp(now time.Time) uint64 {
	return uint64(now.Unix() + ntpEpochOffset)
}

type Mode string

const (
	// https://datatracker.ietf.org/doc/html/rfc4566#section-6
	ModeRecvonly Mode = "recvonly"
	ModeSendrecv Mode = "sendrecv"
	ModeSendonly Mode = "sendonly"
	ModeInactive Mode = "inactive"
)
