// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package uidresolver implements engine.UidResolver by walking
// /proc/net/{tcp,tcp6,udp,udp6} to map a flow's local (src) socket
// inode owner to the process UID holding it, with a TTL cache in
// front since a busy connection is resolved many times a second.
// Grounded on original_source/core/pcapdroid.c's
// get_appname_by_uid/uid2app hashtable (here a
// github.com/patrickmn/go-cache TTL map takes the place of the
// original's uthash + permanent-lifetime cache, since resolving a
// reused UID to a stale app across process restarts is a correctness
// bug the original only avoids because Android recycles UIDs rarely).
package uidresolver

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/nullwatch/flowcapture/core/flow"
	"github.com/nullwatch/flowcapture/log"
)

const (
	cacheTTL     = 30 * time.Second
	cacheCleanup = 5 * time.Minute
)

// Resolver implements engine.UidResolver against /proc/net.
type Resolver struct {
	cache *cache.Cache
	procs []string // e.g. "/proc/net/tcp", "/proc/net/tcp6", "/proc/net/udp", "/proc/net/udp6"
}

// New builds a Resolver reading the standard four /proc/net tables.
func New() *Resolver {
	return &Resolver{
		cache: cache.New(cacheTTL, cacheCleanup),
		procs: []string{"/proc/net/tcp", "/proc/net/tcp6", "/proc/net/udp", "/proc/net/udp6"},
	}
}

// Resolve looks up the UID owning the local (source) half of t. On any
// parse failure or miss it returns flow.UnknownUID, never an error:
// UID resolution is best-effort, per spec.md §4.5.
func (r *Resolver) Resolve(t flow.FiveTuple) flow.UID {
	key := socketKey(t)
	if v, ok := r.cache.Get(key); ok {
		return v.(flow.UID)
	}

	uid := r.scan(t)
	r.cache.Set(key, uid, cache.DefaultExpiration)
	return uid
}

func socketKey(t flow.FiveTuple) string {
	return fmt.Sprintf("%s:%d/%s", t.SrcAddr, t.SrcPort, t.Proto)
}

func (r *Resolver) scan(t flow.FiveTuple) flow.UID {
	path := procTableFor(t)
	if path == "" {
		return flow.UnknownUID
	}

	f, err := os.Open(path)
	if err != nil {
		log.D("uidresolver: open %s: %v", path, err)
		return flow.UnknownUID
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Scan() // header line
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 {
			continue
		}
		addr, port, ok := parseHexAddr(fields[1])
		if !ok || port != t.SrcPort || addr != t.SrcAddr {
			continue
		}
		uid, err := strconv.Atoi(fields[7])
		if err != nil {
			continue
		}
		return flow.UID(uid)
	}
	return flow.UnknownUID
}

func procTableFor(t flow.FiveTuple) string {
	switch {
	case t.Proto == flow.ProtoTCP && t.IPVer == 4:
		return "/proc/net/tcp"
	case t.Proto == flow.ProtoTCP && t.IPVer == 6:
		return "/proc/net/tcp6"
	case t.Proto == flow.ProtoUDP && t.IPVer == 4:
		return "/proc/net/udp"
	case t.Proto == flow.ProtoUDP && t.IPVer == 6:
		return "/proc/net/udp6"
	default:
		return ""
	}
}

// parseHexAddr decodes /proc/net's "ADDR:PORT" field, where ADDR is a
// little-endian hex-encoded IPv4 or IPv6 address.
func parseHexAddr(field string) (netip.Addr, uint16, bool) {
	parts := strings.SplitN(field, ":", 2)
	if len(parts) != 2 {
		return netip.Addr{}, 0, false
	}
	portVal, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return netip.Addr{}, 0, false
	}

	raw, err := hexDecode(parts[0])
	if err != nil {
		return netip.Addr{}, 0, false
	}

	switch len(raw) {
	case 4:
		addr := netip.AddrFrom4([4]byte{raw[3], raw[2], raw[1], raw[0]})
		return addr, uint16(portVal), true
	case 16:
		var b [16]byte
		for i := 0; i < 4; i++ {
			word := raw[i*4 : i*4+4]
			b[i*4], b[i*4+1], b[i*4+2], b[i*4+3] = word[3], word[2], word[1], word[0]
		}
		return netip.AddrFrom16(b), uint16(portVal), true
	default:
		return netip.Addr{}, 0, false
	}
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd length hex %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}
