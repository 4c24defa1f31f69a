// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package flow

// Status is the connection status machine. It is ordered and must
// never rewind: New -> Connecting -> Connected -> Closed, with Reset
// as a TCP-only side exit that still counts as >= Closed for purge
// purposes.
type Status int32

const (
	StatusNew Status = iota
	StatusConnecting
	StatusConnected
	StatusClosed
	StatusReset
)

// IsTerminal reports whether the connection is purgeable once emitted.
func (s Status) IsTerminal() bool {
	return s >= StatusClosed
}

// TCP flag bits, matching the wire th_flags byte so a PacketSource can
// build one directly off the header without a dependency on this
// package's internal layout.
const (
	TCPFin = 0x01
	TCPSyn = 0x02
	TCPRst = 0x04
	TCPAck = 0x10
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	case StatusReset:
		return "reset"
	default:
		return "unknown"
	}
}

// UpdateBits describes what changed since the last notification batch.
type UpdateBits uint8

const (
	UpdateStats UpdateBits = 1 << iota
	UpdateInfo
	UpdatePayload
)

// PayloadMode selects how much per-direction payload is captured.
type PayloadMode int32

const (
	PayloadNone PayloadMode = iota
	PayloadMinimal
	PayloadFull
)

// MinimalPayloadMaxDirectionSize caps Minimal-mode capture per direction.
const MinimalPayloadMaxDirectionSize = 512

// UID is the owning app's UID. NetdUID/PhoneUID/UnknownUID are the
// well-known sentinels the original engine baked into -1/specific
// ints; here they're named constants instead (per the design notes'
// "sentinel values -> explicit Unknown variant").
type UID int32

const (
	UnknownUID UID = -1
	NetdUID    UID = -2
	PhoneUID   UID = -3
)

// IsSystemResolver reports whether uid is one of the UIDs that DNS
// traffic from the platform's own resolver is attributed to.
func (u UID) IsSystemResolver() bool {
	return u == NetdUID || u == PhoneUID || u == UnknownUID
}

// Verdict holds the blacklist/firewall verdict bits from spec.md §3.
type Verdict struct {
	BlacklistedDomain bool
	BlacklistedIP     bool
	WhitelistedApp    bool
	ToBlock           bool
	NetdBlockMissed   bool
	Proxied           bool
	PayloadTruncated  bool
}

// Connection is one active (or just-closed, not-yet-purged) flow.
type Connection struct {
	ID        uint64
	Tuple     FiveTuple
	UID       UID
	IfIndex   int
	FirstSeen int64 // monotonic ms
	LastSeen  int64 // monotonic ms

	TxBytes, RxBytes     uint64
	TxPackets, RxPackets uint64

	// Classification.
	DPIState    any // opaque state owned exclusively by this Connection
	L7Proto     string
	ALPN        string
	Host        string
	HostFromLRU bool // true until overwritten by authoritative DPI evidence
	URL         string
	DPIPackets  int

	Status  Status
	Verdict Verdict
	Update  UpdateBits

	// TCP status-machine bookkeeping (capture_root.c's
	// update_connection_status): flags seen so far per direction, and
	// whether FIN has been seen from both directions (the close then
	// completes on the next ACK).
	tcpSeenFlags [2]uint8
	tcpLastAck   bool

	// pendingDNSQueries counts in-flight DNS queries on a UDP:53
	// connection; it drives the "close as soon as every response
	// arrives" rule from the same function.
	pendingDNSQueries int

	PayloadMode     PayloadMode
	HasPayload      [2]bool // [rx, tx]
	PayloadChunks   int

	// PendingNotification/ToPurge mirror pd_conn_t's bookkeeping for
	// the housekeeper's emission/eviction pass (spec.md §4.7).
	PendingNotification bool
	ToPurge             bool
}

// NewConnection constructs a fresh Connection in status New.
func NewConnection(id uint64, t FiveTuple, uid UID, nowMs int64) *Connection {
	return &Connection{
		ID:          id,
		Tuple:       t,
		UID:         uid,
		FirstSeen:   nowMs,
		LastSeen:    nowMs,
		Status:      StatusNew,
		HostFromLRU: false,
	}
}

// Touch bumps LastSeen and accounts bytes/packets for one direction.
func (c *Connection) Touch(nowMs int64, nBytes int, tx bool) {
	if nowMs > c.LastSeen {
		c.LastSeen = nowMs
	}
	if tx {
		c.TxBytes += uint64(nBytes)
		c.TxPackets++
	} else {
		c.RxBytes += uint64(nBytes)
		c.RxPackets++
	}
	c.Update |= UpdateStats
}

// SetStatus advances the status machine; it is a no-op if s would
// rewind the monotonic progression.
func (c *Connection) SetStatus(s Status) {
	if s > c.Status {
		c.Status = s
		c.Update |= UpdateStats
	}
}

// UpdateStatus advances the status machine from one observed packet,
// mirroring original_source/vpnproxy-jni/capture_root.c's
// update_connection_status: TCP is tracked via SYN/ACK/FIN/RST flags
// accumulated from both directions (RST -> Reset; both FINs seen and
// acked -> Closed; SYN+ACK seen or payload present -> Connected, else
// Connecting); any other protocol goes straight to Connected on its
// first packet. A UDP:53 connection additionally tracks outstanding
// DNS queries and closes (flagging itself for purge) once every
// response has arrived, so a reused 5-tuple starts a fresh connection
// for its next query instead of silently reusing stale DPI state.
// Returns whether the status changed, so the caller knows to queue an
// update notification.
func (c *Connection) UpdateStatus(proto L4Proto, tcpFlags uint8, payloadLen int, isDNSQuery, isDNSResponse, isTx bool) bool {
	if c.Status.IsTerminal() {
		return false
	}
	before := c.Status

	switch proto {
	case ProtoTCP:
		dir := 0
		if isTx {
			dir = 1
		}
		c.tcpSeenFlags[dir] |= tcpFlags
		seen := c.tcpSeenFlags[0] & c.tcpSeenFlags[1]

		switch {
		case tcpFlags&TCPRst != 0:
			c.SetStatus(StatusReset)
		case seen&TCPFin != 0:
			if !c.tcpLastAck {
				c.tcpLastAck = true
			} else if tcpFlags&TCPAck != 0 {
				c.SetStatus(StatusClosed)
			}
		case c.Status < StatusConnected:
			if payloadLen > 0 || seen&(TCPSyn|TCPAck) == (TCPSyn|TCPAck) {
				c.SetStatus(StatusConnected)
			} else {
				c.SetStatus(StatusConnecting)
			}
		}

	default:
		if c.Status < StatusConnected {
			c.SetStatus(StatusConnected)
		}
		switch {
		case isDNSQuery:
			c.pendingDNSQueries++
		case isDNSResponse:
			c.pendingDNSQueries--
			if c.pendingDNSQueries <= 0 {
				c.SetStatus(StatusClosed)
				c.ToPurge = true
			}
		}
	}

	return c.Status != before
}

// SetHost records a host derived from DPI (authoritative) or the
// reverse-DNS LRU (provisional, overwritable).
func (c *Connection) SetHost(host string, fromLRU bool) {
	if host == "" {
		return
	}
	if c.Host != "" && !c.HostFromLRU && fromLRU {
		return // authoritative evidence already present; never downgrade
	}
	c.Host = host
	c.HostFromLRU = fromLRU
	c.Update |= UpdateInfo
}

// ReleaseDPI drops the opaque DPI state; idempotent.
func (c *Connection) ReleaseDPI() {
	c.DPIState = nil
}
