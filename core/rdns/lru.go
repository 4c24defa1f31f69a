// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rdns is the reverse-DNS LRU: a bounded map from observed
// answer IPs to the most-recently-queried hostname, used to pre-tag
// later connections before DPI completes (spec.md §4.1).
//
// Grounded on original_source/vpnproxy-jni/ip_lru.c (a uthash-backed
// LRU with the same move-to-front-on-hit contract) and the teacher's
// intra/core/expiringmap.go (mutex-guarded map + linked eviction).
// container/list is used instead of a pack dependency: no library in
// the example pack implements strict LRU recency ordering (the
// teacher's own opencoff/go-sieve implements SIEVE, a deliberately
// different, non-reordering eviction policy — see core/pcapng for
// where that one is wired instead).
package rdns

import (
	"container/list"
	"net/netip"
	"sync"

	"github.com/nullwatch/flowcapture/log"
)

type entry struct {
	ip       netip.Addr
	hostname string
	elem     *list.Element
}

// LRU is a size-bounded, recency-ordered IP -> hostname cache.
type LRU struct {
	mu      sync.Mutex
	maxSize int
	byIP    map[netip.Addr]*entry
	order   *list.List // front = most recently used
}

// New constructs an LRU bounded to maxSize distinct keys.
func New(maxSize int) *LRU {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &LRU{
		maxSize: maxSize,
		byIP:    make(map[netip.Addr]*entry),
		order:   list.New(),
	}
}

// Add inserts or updates ip -> hostname, evicting the oldest entry on
// overflow. A duplicate key overwrites its value and refreshes recency.
func (l *LRU) Add(ip netip.Addr, hostname string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.byIP[ip]; ok {
		e.hostname = hostname
		l.order.MoveToFront(e.elem)
		return
	}

	e := &entry{ip: ip, hostname: hostname}
	e.elem = l.order.PushFront(e)
	l.byIP[ip] = e

	if len(l.byIP) > l.maxSize {
		oldest := l.order.Back()
		if oldest != nil {
			oe := oldest.Value.(*entry)
			l.order.Remove(oldest)
			delete(l.byIP, oe.ip)
			log.VV("rdns: evicted %s (%s)", oe.ip, oe.hostname)
		}
	}
}

// Find returns an owned copy of the hostname for ip, moving the entry
// to the front of the recency list on hit.
func (l *LRU) Find(ip netip.Addr) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byIP[ip]
	if !ok {
		return "", false
	}
	l.order.MoveToFront(e.elem)
	return e.hostname, true
}

// Size returns the current entry count.
func (l *LRU) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byIP)
}
