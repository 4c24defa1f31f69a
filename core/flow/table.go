// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package flow

import (
	"github.com/nullwatch/flowcapture/log"
)

// Table is the 5-tuple-keyed flow table. It is single-threaded from
// its caller's perspective (§5: "capture-thread-exclusive"); no
// internal locking is done, matching the teacher's capture-thread
// ownership model in intra/tcp.go and intra/udp.go.
type Table struct {
	conns map[FiveTuple]*Connection
	nextID uint64

	// netd-resolution bookkeeping (spec.md §4.5, open question #2):
	// at most one active delay exists at a time.
	pendingNetdResolutions int

	// newBatch holds connections not yet emitted in a NewConnection
	// notification; used to find netd-uid rewrite candidates.
	newBatch []*Connection

	// updatesBatch holds connections with a pending update notification.
	// A connection only ever occupies one of newBatch/updatesBatch at a
	// time: Connection.PendingNotification dedups repeated touches the
	// same way original_source's notif_connection does with its
	// pending_notification flag (core/pcapdroid.c's notif_connection).
	updatesBatch []*Connection
}

// NewTable constructs an empty flow table.
func NewTable() *Table {
	return &Table{conns: make(map[FiveTuple]*Connection)}
}

// Lookup returns the live Connection for tuple, if any.
func (t *Table) Lookup(tuple FiveTuple) (*Connection, bool) {
	c, ok := t.conns[tuple]
	return c, ok
}

// New allocates a Connection for tuple, stamping an incremental id and
// appending it to the New-batch for this housekeeping window.
func (t *Table) New(tuple FiveTuple, uid UID, nowMs int64) *Connection {
	t.nextID++
	c := NewConnection(t.nextID, tuple, uid, nowMs)
	c.PendingNotification = true
	t.conns[tuple] = c
	t.newBatch = append(t.newBatch, c)

	if uid.IsSystemResolver() && tuple.Proto == ProtoUDP && tuple.DstPort == 53 {
		t.pendingNetdResolutions++
		log.D("flow: netd resolution pending; waiting=%d", t.pendingNetdResolutions)
	}

	return c
}

// ResolveNetdUID implements spec.md §4.5's "On netd-uid resolution":
// when a connection created with a resolved app UID shares its host
// with an existing New-batch connection still attributed to the
// system resolver, rewrite that connection's UID in place. onRewrite,
// if non-nil, is called on the rewritten connection right after its UID
// has been set to the resolved app's UID, so a caller can decide
// whether the firewall would have blocked it under that real UID (the
// netd_block_missed check).
func (t *Table) ResolveNetdUID(resolved *Connection, onRewrite func(*Connection)) {
	if resolved.UID.IsSystemResolver() || resolved.Host == "" {
		return
	}
	for _, c := range t.newBatch {
		if c == resolved || !c.UID.IsSystemResolver() || c.Host != resolved.Host {
			continue
		}
		log.D("flow: rewriting netd uid %v -> %v for host %s", c.UID, resolved.UID, c.Host)
		c.UID = resolved.UID
		if onRewrite != nil {
			onRewrite(c)
		}
		c.Update |= UpdateInfo

		if t.pendingNetdResolutions > 0 {
			t.pendingNetdResolutions--
			log.D("flow: netd resolution done; waiting=%d", t.pendingNetdResolutions)
		}
	}
}

// NetdDelayActive reports whether the housekeeper should still hold
// back the connections-dump to give netd resolution a chance.
func (t *Table) NetdDelayActive() bool {
	return t.pendingNetdResolutions > 0
}

// DrainNewBatch clears and returns the accumulated New-batch, freeing
// each drained connection to be requeued as an update on its next change.
func (t *Table) DrainNewBatch() []*Connection {
	b := t.newBatch
	t.newBatch = nil
	for _, c := range b {
		c.PendingNotification = false
	}
	return b
}

// NoteUpdate queues c for the next update notification unless it
// already has one pending (a connection still sitting in newBatch, or
// already queued in updatesBatch, is a no-op).
func (t *Table) NoteUpdate(c *Connection) {
	if c.PendingNotification {
		return
	}
	c.PendingNotification = true
	t.updatesBatch = append(t.updatesBatch, c)
}

// DrainUpdates clears and returns the accumulated updates-batch.
func (t *Table) DrainUpdates() []*Connection {
	b := t.updatesBatch
	t.updatesBatch = nil
	for _, c := range b {
		c.PendingNotification = false
	}
	return b
}

// Purge releases DPI state and removes tuple from the table.
func (t *Table) Purge(tuple FiveTuple) {
	if c, ok := t.conns[tuple]; ok {
		c.ReleaseDPI()
		delete(t.conns, tuple)
	}
}

// Sweep removes every Connection flagged ToPurge, releasing DPI state
// first. Called by the housekeeper right after emitting a batch.
func (t *Table) Sweep() (purged int) {
	for tuple, c := range t.conns {
		if c.ToPurge {
			c.ReleaseDPI()
			delete(t.conns, tuple)
			purged++
		}
	}
	return
}

// Each calls fn for every live connection; fn must not mutate the map.
func (t *Table) Each(fn func(*Connection)) {
	for _, c := range t.conns {
		fn(c)
	}
}

// Len returns the number of live connections.
func (t *Table) Len() int {
	return len(t.conns)
}
