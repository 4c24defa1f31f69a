// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package flow holds the flow table: the 5-tuple-keyed map of live
// Connections, their status machine, and verdict bits.
package flow

import (
	"fmt"
	"net/netip"
)

// L4Proto mirrors the IANA protocol numbers the core cares about.
type L4Proto uint8

const (
	ProtoICMP L4Proto = 1
	ProtoTCP  L4Proto = 6
	ProtoUDP  L4Proto = 17
)

func (p L4Proto) String() string {
	switch p {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto%d", uint8(p))
	}
}

// FiveTuple identifies a flow. Ports are zero for non-port protocols.
type FiveTuple struct {
	IPVer   uint8 // 4 or 6
	Proto   L4Proto
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
}

// Peer returns the tuple with source and destination swapped.
func (t FiveTuple) Peer() FiveTuple {
	return FiveTuple{
		IPVer:   t.IPVer,
		Proto:   t.Proto,
		SrcAddr: t.DstAddr,
		DstAddr: t.SrcAddr,
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
	}
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%s", t.SrcAddr, t.SrcPort, t.DstAddr, t.DstPort, t.Proto)
}

// L4Info carries the per-packet details the engine needs beyond the
// 5-tuple and the raw frame: the TCP header flags (0 for non-TCP
// protocols) and the L4 payload — the DNS message, TLS record, or HTTP
// request/response sitting past the transport header. A PacketSource
// fills this in at classification time, since it already knows where
// the L3/L4 headers end; DPI and the status machine only ever see
// this payload, never raw L2/L3 bytes they can't parse.
type L4Info struct {
	TCPFlags uint8
	Payload  []byte
}
