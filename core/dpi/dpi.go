// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dpi drives per-flow deep packet inspection: it hands bytes
// to a pluggable DpiEngine, harvests hostnames/ALPN/URLs out of
// whatever the engine recognized, feeds successful DNS answers into
// the reverse-DNS LRU, and enforces the give-up budget (spec.md §4.5).
//
// Grounded on original_source/core/pcapdroid.c's perform_dpi/
// process_ndpi_data/pd_giveup_dpi/process_dns_reply. The engine
// contract is intentionally nDPI-shaped (a single process() call per
// packet, a giveup() call to force a final guess) so a real nDPI
// cgo binding or a pure-Go heuristic engine can both implement it.
package dpi

import (
	"net/netip"
	"strings"

	"github.com/miekg/dns"

	"github.com/nullwatch/flowcapture/core/flow"
	"github.com/nullwatch/flowcapture/core/rdns"
	"github.com/nullwatch/flowcapture/log"
)

// MaxDPIPackets bounds how many packets of a flow are ever inspected
// before the driver forces a final classification, mirroring
// pcapdroid.c's MAX_DPI_PACKETS.
const MaxDPIPackets = 12

// Info is what an engine has determined about a flow so far.
type Info struct {
	L7Proto       string
	ALPN          string
	Host          string
	URL           string
	Encrypted     bool
	DissectDone   bool // true once the engine has nothing more to learn
}

// Engine is the pluggable DPI contract. A value returned by
// NewFlowState is owned by the driver for the lifetime of one
// connection and released via Release when DPI is given up on.
type Engine interface {
	NewFlowState(t flow.FiveTuple) any
	Process(state any, pkt []byte, isTx bool, nowMs int64) Info
	Giveup(state any) Info
	Release(state any)
}

// Driver feeds packets to an Engine for every live connection and
// applies the resulting Info to the connection's flow.Connection,
// plus reverse-DNS LRU harvesting and blacklist re-checks.
type Driver struct {
	engine    Engine
	lru       *rdns.LRU
	checkHost func(c *flow.Connection)
}

// NewDriver builds a Driver. checkHost is called once per newly
// discovered hostname, after it has been stored on c, to re-run the
// full blacklist/firewall verdict recompute (injected as a closure so
// this package stays independent of core/engine's verdict plumbing).
func NewDriver(engine Engine, lru *rdns.LRU, checkHost func(c *flow.Connection)) *Driver {
	return &Driver{engine: engine, lru: lru, checkHost: checkHost}
}

// Start attaches fresh engine state to a newly created connection. A
// no-op if c already carries DPI state (e.g. on a duplicate call).
func (d *Driver) Start(c *flow.Connection) {
	if c.DPIState != nil {
		return
	}
	c.DPIState = d.engine.NewFlowState(c.Tuple)
}

// Feed processes one packet belonging to c. isTx is true for
// client->server packets. Returns true if c.Update gained any bits
// the caller should notify on.
func (d *Driver) Feed(c *flow.Connection, pkt []byte, isTx bool, nowMs int64) bool {
	if c.DPIState == nil {
		return false
	}
	giveup := c.DPIPackets+1 >= MaxDPIPackets
	c.DPIPackets++

	info := d.engine.Process(c.DPIState, pkt, isTx, nowMs)
	updated := d.apply(c, info)

	if !isTx && info.L7Proto == "dns" {
		d.harvestDNSReply(pkt)
	}

	if giveup || (info.L7Proto != "" && info.DissectDone) {
		final := d.engine.Giveup(c.DPIState)
		updated = d.apply(c, final) || updated
		d.engine.Release(c.DPIState)
		c.ReleaseDPI()
		log.D("dpi: giveup flow=%s pkts=%d l7proto=%s", c.Tuple, c.DPIPackets, final.L7Proto)
	}

	return updated
}

// ForceGiveup ends DPI on c immediately, e.g. when the status machine
// has just declared the connection Closed/Reset: pcapdroid.c's
// pd_giveup_dpi is called from the same three places (engine signals
// done, MAX_DPI_PACKETS reached, connection status turns terminal),
// and this is the third. A no-op if DPI already finished.
func (d *Driver) ForceGiveup(c *flow.Connection) bool {
	if c.DPIState == nil {
		return false
	}
	final := d.engine.Giveup(c.DPIState)
	updated := d.apply(c, final)
	d.engine.Release(c.DPIState)
	c.ReleaseDPI()
	log.D("dpi: giveup(status) flow=%s pkts=%d l7proto=%s", c.Tuple, c.DPIPackets, final.L7Proto)
	return updated
}

func (d *Driver) apply(c *flow.Connection, info Info) bool {
	changed := false
	if info.L7Proto != "" && info.L7Proto != c.L7Proto {
		c.L7Proto = info.L7Proto
		changed = true
	}
	if info.ALPN != "" && info.ALPN != c.ALPN {
		c.ALPN = info.ALPN
		changed = true
	}
	if info.URL != "" && info.URL != c.URL {
		c.URL = info.URL
		changed = true
	}
	if info.Host != "" && (c.Host == "" || c.HostFromLRU) {
		c.SetHost(info.Host, false)
		if d.checkHost != nil {
			d.checkHost(c)
		}
		changed = true
	}
	if changed {
		c.Update |= flow.UpdateInfo
	}
	return changed
}

// harvestDNSReply pulls A/AAAA answers out of a DNS response payload
// (at most the first 32 answer records) and feeds them into the
// reverse-DNS LRU, mirroring
// pcapdroid.c's process_dns_reply (there hand-parsed; here delegated
// to github.com/miekg/dns since this package already depends on it
// for blacklist-adjacent DNS utility work elsewhere in the stack).
func (d *Driver) harvestDNSReply(pkt []byte) {
	if d.lru == nil {
		return
	}
	var msg dns.Msg
	if err := msg.Unpack(pkt); err != nil {
		return
	}
	if !msg.Response || len(msg.Question) == 0 {
		return
	}
	query := strings.TrimSuffix(msg.Question[0].Name, ".")
	if query == "" {
		return
	}
	const maxDNSAnswers = 32
	for i, rr := range msg.Answer {
		if i >= maxDNSAnswers {
			break
		}
		var ip netip.Addr
		switch rec := rr.(type) {
		case *dns.A:
			ip, _ = netip.AddrFromSlice(rec.A.To4())
		case *dns.AAAA:
			ip, _ = netip.AddrFromSlice(rec.AAAA.To16())
		default:
			continue
		}
		if ip.IsValid() {
			log.VV("dpi: rdns add %s -> %s", ip, query)
			d.lru.Add(ip, query)
		}
	}
}
