// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tunnel is the TUN-device packet source: it owns a
// golang.zx2c4.com/wireguard/tun device, reads raw IP packets off it,
// and classifies+dispatches them into engine.Engine. It intentionally
// does not drive a TCP/IP stack or perform NAT/forwarding — spec.md's
// Non-goals place that outside the core's (and its collaborators')
// responsibility; a TUN-backed VPN that actually forwards traffic
// needs a full user-space netstack (gvisor.dev/gvisor, as the teacher
// wires it in tunnel/tunnel.go and intra/netstack/*), which has no
// role to play in a classification-only engine.
//
// Lifecycle grounded on the teacher's tunnel/tunnel.go: an atomic.Bool
// closed-flag plus a sync.Once guarding teardown.
package tunnel

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/nullwatch/flowcapture/core/flow"
	"github.com/nullwatch/flowcapture/log"
)

// Sink receives one classified packet read off the TUN device. isTx
// is always true here: every packet read from a TUN fd is outbound
// from the device's perspective (spec.md's isTx meaning "client/app
// side"); reply traffic arrives already paired by the flow table's
// Peer() lookup in engine.Engine.ProcessPacket. raw is the full IP
// packet (for the PCAPNG dumper); l4 carries the TCP flags and L4
// payload cut out of it (for DPI and the status machine).
type Sink func(tuple flow.FiveTuple, raw []byte, l4 flow.L4Info, nowMs int64, ifIndex int)

// Device wraps a TUN interface.
type Device struct {
	dev     tun.Device
	ifIndex int
	mtu     int

	closed   atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// Open creates (or attaches to, on platforms that support named
// persistent devices) a TUN interface.
func Open(name string, mtu, ifIndex int) (*Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tunnel: create %s: %w", name, err)
	}
	actualMTU, err := dev.MTU()
	if err != nil {
		actualMTU = mtu
	}
	return &Device{dev: dev, ifIndex: ifIndex, mtu: actualMTU, done: make(chan struct{})}, nil
}

// Run reads packets until Close is called, classifying each by
// hand-parsing its IP header (no gopacket dependency here: TUN
// delivers bare IP packets with no link layer to strip) and handing
// it to sink. Blocks the calling goroutine.
func (d *Device) Run(sink Sink, nowMs func() int64) {
	defer close(d.done)

	bufs := make([][]byte, 1)
	bufs[0] = make([]byte, d.mtu+32)
	sizes := make([]int, 1)

	for {
		if d.closed.Load() {
			return
		}
		n, err := d.dev.Read(bufs, sizes, 0)
		if err != nil {
			if d.closed.Load() {
				return
			}
			log.W("tunnel: read: %v", err)
			continue
		}
		for i := 0; i < n; i++ {
			pkt := bufs[0][:sizes[i]]
			if t, l4, ok := classify(pkt); ok {
				sink(t, pkt, l4, nowMs(), d.ifIndex)
			}
		}
	}
}

// Write injects a packet back into the TUN device (e.g. a response
// synthesized by a collaborator that also acts as a resolver/proxy).
func (d *Device) Write(pkt []byte) error {
	bufs := [][]byte{pkt}
	_, err := d.dev.Write(bufs, 0)
	return err
}

func classify(pkt []byte) (flow.FiveTuple, flow.L4Info, bool) {
	if len(pkt) < 1 {
		return flow.FiveTuple{}, flow.L4Info{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		return classifyV4(pkt)
	case 6:
		return classifyV6(pkt)
	default:
		return flow.FiveTuple{}, flow.L4Info{}, false
	}
}

func classifyV4(pkt []byte) (flow.FiveTuple, flow.L4Info, bool) {
	if len(pkt) < 20 {
		return flow.FiveTuple{}, flow.L4Info{}, false
	}
	ihl := int(pkt[0]&0x0f) * 4
	if ihl < 20 || len(pkt) < ihl {
		return flow.FiveTuple{}, flow.L4Info{}, false
	}
	t := flow.FiveTuple{
		IPVer: 4,
		Proto: flow.L4Proto(pkt[9]),
	}
	t.SrcAddr, _ = netip.AddrFromSlice(pkt[12:16])
	t.DstAddr, _ = netip.AddrFromSlice(pkt[16:20])
	l4 := readL4(&t, pkt[ihl:])
	return t, l4, true
}

func classifyV6(pkt []byte) (flow.FiveTuple, flow.L4Info, bool) {
	if len(pkt) < 40 {
		return flow.FiveTuple{}, flow.L4Info{}, false
	}
	t := flow.FiveTuple{
		IPVer: 6,
		Proto: flow.L4Proto(pkt[6]),
	}
	t.SrcAddr, _ = netip.AddrFromSlice(pkt[8:24])
	t.DstAddr, _ = netip.AddrFromSlice(pkt[24:40])
	l4 := readL4(&t, pkt[40:])
	return t, l4, true
}

// readL4 fills in ports and cuts out the L4 payload/TCP flags so DPI
// and the status machine never see bytes they'd misinterpret as
// wire-format headers.
func readL4(t *flow.FiveTuple, l4 []byte) flow.L4Info {
	switch t.Proto {
	case flow.ProtoTCP:
		if len(l4) < 20 {
			return flow.L4Info{}
		}
		t.SrcPort = binary.BigEndian.Uint16(l4[0:2])
		t.DstPort = binary.BigEndian.Uint16(l4[2:4])
		dataOffset := int(l4[12]>>4) * 4
		info := flow.L4Info{TCPFlags: l4[13]}
		if dataOffset >= 20 && len(l4) >= dataOffset {
			info.Payload = l4[dataOffset:]
		}
		return info
	case flow.ProtoUDP:
		if len(l4) < 8 {
			return flow.L4Info{}
		}
		t.SrcPort = binary.BigEndian.Uint16(l4[0:2])
		t.DstPort = binary.BigEndian.Uint16(l4[2:4])
		return flow.L4Info{Payload: l4[8:]}
	default:
		return flow.L4Info{}
	}
}

// Close tears down the TUN device; idempotent.
func (d *Device) Close() {
	d.stopOnce.Do(func() {
		d.closed.Store(true)
		if err := d.dev.Close(); err != nil {
			log.W("tunnel: close: %v", err)
		}
		log.I("tunnel: closed ifindex=%d", d.ifIndex)
	})
}

// Done returns a channel closed once Run has returned.
func (d *Device) Done() <-chan struct{} {
	return d.done
}
