// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package engine wires the flow table, DPI driver, reverse-DNS LRU,
// blacklist, housekeeper, and PCAPNG dumper into the single
// ProcessPacket entry point a capture collaborator calls for every
// observed packet (spec.md §6). Grounded on
// original_source/core/pcapdroid.c's pd_new_connection/
// pd_account_packet/pd_housekeeping trio, and on the teacher's
// tunnel/tunnel.go for the atomic.Bool running-flag and sync.Once
// shutdown idiom.
package engine

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullwatch/flowcapture/core/blacklist"
	"github.com/nullwatch/flowcapture/core/dpi"
	"github.com/nullwatch/flowcapture/core/flow"
	"github.com/nullwatch/flowcapture/core/housekeeper"
	"github.com/nullwatch/flowcapture/core/pcapng"
	"github.com/nullwatch/flowcapture/core/rdns"
	"github.com/nullwatch/flowcapture/log"
)

// UidResolver maps a flow tuple to the UID of the app that owns it.
// Returns flow.UnknownUID when resolution isn't possible yet.
type UidResolver interface {
	Resolve(t flow.FiveTuple) flow.UID
}

// NotifySink receives connection lifecycle batches from the
// housekeeper, decoupled from any particular transport (spec.md §6.5:
// collab/notifyws is one concrete implementation).
type NotifySink interface {
	NewConnections(conns []*flow.Connection)
	ConnectionUpdates(conns []*flow.Connection)
	StatsUpdate(housekeeper.Stats)
	BlacklistsLoaded(files []blacklist.LoadStats)
}

// Config configures a new Engine.
type Config struct {
	UIDResolver UidResolver
	DPIEngine   dpi.Engine
	Notify      NotifySink
	Dumper      *pcapng.Dumper // nil disables PCAPNG/PCAP capture
	RDNSSize    int
}

// Engine is the capture-thread-exclusive orchestrator. ProcessPacket
// must only ever be called from one goroutine at a time; the only
// other exported method safe to call concurrently is Stop.
type Engine struct {
	table  *flow.Table
	lru    *rdns.LRU
	driver *dpi.Driver
	hk     *housekeeper.Housekeeper
	dumper *pcapng.Dumper
	notify NotifySink
	uidRes UidResolver

	// The four independent oracles spec.md §4.5's initial-verdict
	// rules draw on, each hot-swapped by the housekeeper via its own
	// Publish* bridge so a completed reload/hot-swap takes effect on
	// the very next packet instead of only on the housekeeper's own,
	// disconnected copy.
	malwareBL             atomic.Pointer[blacklist.Blacklist]
	malwareWL             atomic.Pointer[blacklist.Blacklist]
	firewallBL            atomic.Pointer[blacklist.Blacklist]
	firewallWL            atomic.Pointer[blacklist.Blacklist]
	firewallWhitelistMode atomic.Bool

	running  atomic.Bool
	stopOnce sync.Once

	stats housekeeper.Stats
}

// New constructs an Engine in the running state.
func New(cfg Config, nowMs int64) *Engine {
	table := flow.NewTable()
	lru := rdns.New(cfg.RDNSSize)

	e := &Engine{
		table:  table,
		lru:    lru,
		dumper: cfg.Dumper,
		notify: cfg.Notify,
		uidRes: cfg.UIDResolver,
	}

	e.driver = dpi.NewDriver(cfg.DPIEngine, lru, e.recomputeVerdict)
	e.hk = housekeeper.New(table, cfg.Dumper, housekeeper.Callbacks{
		SendStats:               e.sendStats,
		SendConnectionsDump:     e.sendConnectionsDump,
		CheckBlacklistedConn:    e.recomputeVerdict,
		CheckBlockedConn:        e.recomputeVerdict,
		PublishBlacklist:        e.PublishBlacklist,
		PublishMalwareWhitelist: e.PublishMalwareWhitelist,
		PublishFirewallBlocklist: e.PublishFirewallBlocklist,
		PublishFirewallWhitelist: e.PublishFirewallWhitelist,
	}, nowMs)

	e.running.Store(true)
	return e
}

// ProcessPacket is the single entry point a capture collaborator
// calls for every observed packet. raw is the full captured frame,
// handed unmodified to the PCAPNG dumper; l4 carries the TCP flags and
// L4 payload a PacketSource already cut out of it, which is what DPI
// and the status machine operate on instead. isTx is true for
// client->server (egress) packets. Returns the (possibly newly
// created) Connection.
func (e *Engine) ProcessPacket(tuple flow.FiveTuple, raw []byte, l4 flow.L4Info, isTx bool, nowMs int64, ifIndex int) *flow.Connection {
	if !e.running.Load() {
		return nil
	}

	lookupTuple := tuple
	if !isTx {
		lookupTuple = tuple.Peer()
	}

	c, ok := e.table.Lookup(lookupTuple)
	if !ok {
		uid := flow.UnknownUID
		if e.uidRes != nil {
			uid = e.uidRes.Resolve(tuple)
		}
		c = e.table.New(tuple, uid, nowMs)
		c.IfIndex = ifIndex
		e.driver.Start(c)

		// Pre-fill the host from a reverse-DNS LRU hit on the
		// destination, the way pd_new_connection does before
		// computing the initial verdict: a TLS connection to an IP
		// just resolved by a DNS query already carries a usable host
		// even though DPI hasn't seen a ClientHello yet, and it's
		// what lets ResolveNetdUID recognize it as the real owner of
		// a still netd-attributed DNS connection below.
		if e.lru != nil && tuple.DstAddr.IsValid() {
			if host, ok := e.lru.Find(tuple.DstAddr); ok {
				c.SetHost(host, true)
			}
		}

		if !uid.IsSystemResolver() {
			e.table.ResolveNetdUID(c, e.checkNetdBlockMissed)
		}
		e.recomputeVerdict(c)
	} else {
		lookupTuple = c.Tuple
	}

	c.Touch(nowMs, len(raw), isTx)
	e.stats.Packets++
	e.stats.Bytes += uint64(len(raw))
	if isTx {
		e.stats.TxPackets++
	} else {
		e.stats.RxPackets++
	}
	e.hk.MarkStatsDirty()

	isQuery, isResponse := dnsDirection(c.Tuple, tuple.Proto, l4.Payload)
	statusChanged := c.UpdateStatus(tuple.Proto, l4.TCPFlags, len(l4.Payload), isQuery, isResponse, isTx)

	if c.DPIState != nil {
		if e.driver.Feed(c, l4.Payload, isTx, nowMs) {
			e.table.NoteUpdate(c)
		}
	}

	// A third DPI giveup trigger alongside the engine's own "nothing
	// more to learn" signal and the MAX_DPI_PACKETS budget: once the
	// status machine has just declared the connection terminal, there
	// will be no more packets to feed it.
	if statusChanged && c.Status.IsTerminal() && c.DPIState != nil {
		e.driver.ForceGiveup(c)
	}

	if statusChanged {
		e.table.NoteUpdate(c)
	}

	if e.dumper != nil {
		e.dumper.DumpPacket(raw, time.UnixMilli(nowMs), int(c.UID), ifIndex)
	}

	e.hk.Tick(nowMs, e.stats)
	return c
}

// dnsDirection reports whether payload is a DNS query or response on a
// connection whose fixed tuple destination port is 53, reading the QR
// bit directly out of the 12-byte DNS header the way
// capture_root.c's update_connection_status does (dns->flags &
// DNS_FLAGS_MASK), rather than parsing the full message.
func dnsDirection(tuple flow.FiveTuple, proto flow.L4Proto, payload []byte) (isQuery, isResponse bool) {
	if proto != flow.ProtoUDP || tuple.DstPort != 53 || len(payload) < 12 {
		return false, false
	}
	if payload[2]&0x80 != 0 {
		return false, true
	}
	return true, false
}

// recomputeVerdict re-evaluates the full spec.md §4.5 initial-verdict
// rule set against c's current UID/host from scratch, the way
// check_blacklisted_conn_cb/check_blocked_conn_cb/
// check_whitelist_mode_block do on every event that could change the
// outcome: connection creation, a newly discovered DPI host, or a
// hot-swapped list arriving from the housekeeper.
//
//  1. A malware-whitelist UID hit clears any malware verdict and skips
//     the blacklist checks entirely.
//  2. Otherwise a malware-blacklist IP or host hit sets
//     BlacklistedIP/BlacklistedDomain, unless the malware whitelist
//     separately matches that same IP or host, in which case it's
//     logged but left allowed.
//  3. A firewall block-list hit on UID, IP, or host forces ToBlock.
//  4. In whitelist mode, any UID not on the firewall's allow-list is
//     forced to ToBlock too, except DNS traffic from the system
//     resolver's sentinel UIDs, which is always let through so the
//     device can keep resolving names at all.
func (e *Engine) recomputeVerdict(c *flow.Connection) {
	malwareWL := e.malwareWL.Load()
	malwareBL := e.malwareBL.Load()
	firewallBL := e.firewallBL.Load()

	before := c.Verdict
	dstIP := ipOf(c.Tuple.DstAddr)

	c.Verdict.WhitelistedApp = malwareWL != nil && malwareWL.MatchUID(int(c.UID))

	if c.Verdict.WhitelistedApp {
		c.Verdict.BlacklistedIP = false
		c.Verdict.BlacklistedDomain = false
	} else if malwareBL != nil {
		ipHit := dstIP != nil && malwareBL.MatchIP(dstIP)
		hostHit := c.Host != "" && malwareBL.MatchDomain(c.Host)

		if ipHit && malwareWL != nil && dstIP != nil && malwareWL.MatchIP(dstIP) {
			ipHit = false
		}
		if hostHit && malwareWL != nil && c.Host != "" && malwareWL.MatchDomain(c.Host) {
			hostHit = false
		}
		c.Verdict.BlacklistedIP = ipHit
		c.Verdict.BlacklistedDomain = hostHit
	}

	toBlock := c.Verdict.BlacklistedIP || c.Verdict.BlacklistedDomain

	if !toBlock && firewallBL != nil {
		toBlock = firewallBL.MatchUID(int(c.UID)) ||
			(dstIP != nil && firewallBL.MatchIP(dstIP)) ||
			(c.Host != "" && firewallBL.MatchDomain(c.Host))
	}

	if !toBlock && e.firewallWhitelistMode.Load() && !isSystemResolverDNS(c) {
		firewallWL := e.firewallWL.Load()
		toBlock = firewallWL == nil || !firewallWL.MatchUID(int(c.UID))
	}
	c.Verdict.ToBlock = toBlock

	if c.Verdict != before {
		c.Update |= flow.UpdateInfo
		e.table.NoteUpdate(c)
	}
}

// checkNetdBlockMissed implements the netd_block_missed half of a
// netd-UID rewrite: called on a connection that was attributed to the
// system resolver right after its UID has been corrected to the real
// app, it marks NetdBlockMissed when the firewall, had it known the
// real UID from the start, would have blocked the connection outright
// (pcapdroid.c's netd-rewrite callback around UID_NETD handling).
func (e *Engine) checkNetdBlockMissed(c *flow.Connection) {
	if c.Verdict.ToBlock {
		return
	}
	wouldBlock := false
	if firewallBL := e.firewallBL.Load(); firewallBL != nil {
		wouldBlock = firewallBL.MatchUID(int(c.UID))
	}
	if !wouldBlock && e.firewallWhitelistMode.Load() {
		firewallWL := e.firewallWL.Load()
		wouldBlock = firewallWL == nil || !firewallWL.MatchUID(int(c.UID))
	}
	if wouldBlock {
		c.Verdict.NetdBlockMissed = true
		c.Update |= flow.UpdateInfo
	}
}

// isSystemResolverDNS reports whether c is UDP:53 traffic attributed
// to one of the system resolver's sentinel UIDs, which whitelist mode
// always exempts (check_whitelist_mode_block's "always allow DNS
// traffic from unspecified apps").
func isSystemResolverDNS(c *flow.Connection) bool {
	return c.Tuple.Proto == flow.ProtoUDP && c.Tuple.DstPort == 53 && c.UID.IsSystemResolver()
}

func ipOf(addr netip.Addr) net.IP {
	if !addr.IsValid() {
		return nil
	}
	return net.IP(addr.AsSlice())
}

// RequestBlacklistReload hands a background blacklist.Reload() result
// channel to the housekeeper for servicing on the next Tick.
func (e *Engine) RequestBlacklistReload(resultCh <-chan blacklist.LoadResult) {
	e.hk.RequestReload(resultCh)
}

func (e *Engine) sendStats(s housekeeper.Stats) {
	if e.notify != nil {
		e.notify.StatsUpdate(s)
	}
}

func (e *Engine) sendConnectionsDump(newConns, updated []*flow.Connection) {
	if e.notify == nil {
		return
	}
	if len(newConns) > 0 {
		e.notify.NewConnections(newConns)
	}
	if len(updated) > 0 {
		e.notify.ConnectionUpdates(updated)
	}
}

// PublishBlacklist atomically swaps in a freshly loaded malware
// blacklist for all subsequent (and, via the housekeeper's reload
// path, retroactive) matching.
func (e *Engine) PublishBlacklist(bl *blacklist.Blacklist) {
	e.malwareBL.Store(bl)
}

// PublishMalwareWhitelist swaps in the malware whitelist that
// overrides malware-blacklist hits by UID, IP, or host.
func (e *Engine) PublishMalwareWhitelist(bl *blacklist.Blacklist) {
	e.malwareWL.Store(bl)
}

// PublishFirewallBlocklist swaps in the firewall's own deny-list.
func (e *Engine) PublishFirewallBlocklist(bl *blacklist.Blacklist) {
	e.firewallBL.Store(bl)
}

// PublishFirewallWhitelist swaps in the firewall's allow-list and
// whether whitelist mode is currently enabled.
func (e *Engine) PublishFirewallWhitelist(bl *blacklist.Blacklist, enabled bool) {
	e.firewallWL.Store(bl)
	e.firewallWhitelistMode.Store(enabled)
}

// Stop latches the engine off; idempotent and safe to call
// concurrently with ProcessPacket, though packets already in flight
// when Stop returns may still complete.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		if e.dumper != nil {
			e.dumper.Destroy()
		}
		log.I("engine: stopped, %d connections in table", e.table.Len())
	})
}

// Running reports whether the engine is still accepting packets.
func (e *Engine) Running() bool {
	return e.running.Load()
}
