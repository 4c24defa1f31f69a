// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blacklist

import (
	"net"
	"strings"

	"github.com/k-sone/critbitgo"
)

// category is the marker value stored in the CIDR tries; matching on
// it (rather than just "found") leaves room for future categories
// without changing the match contract, mirroring
// PCAPDROID_NDPI_CATEGORY_MALWARE in original_source/core/blacklist.h.
type category int

const catMalware category = 1

// Blacklist is a single-threaded-from-its-users'-perspective composite
// of an exact/suffix domain set, a v4+v6 CIDR trie, a UID set, and a
// country-code set. Reload builds an entirely independent Blacklist;
// the housekeeper swaps it in (spec.md §4.2/§4.3).
type Blacklist struct {
	domains   map[string]struct{}
	cidr4     *critbitgo.Net
	cidr6     *critbitgo.Net
	uids      map[int]struct{}
	countries map[string]struct{}
	stats     Stats
}

// New constructs an empty Blacklist.
func New() *Blacklist {
	return &Blacklist{
		domains:   make(map[string]struct{}),
		cidr4:     critbitgo.NewNet(),
		cidr6:     critbitgo.NewNet(),
		uids:      make(map[int]struct{}),
		countries: make(map[string]struct{}),
	}
}

func stripWWW(domain string) string {
	return strings.TrimPrefix(domain, "www.")
}

// secondLevel returns the suffix starting at the second-to-last dot,
// i.e. the "one-level suffix" the spec allows as a fallback match.
// Mirrors original_source/core/blacklist.c's get_second_level_domain.
func secondLevel(domain string) (string, bool) {
	last := strings.LastIndexByte(domain, '.')
	if last <= 0 {
		return domain, false
	}
	prev := strings.LastIndexByte(domain[:last], '.')
	if prev < 0 {
		return domain, false
	}
	return domain[prev+1:], true
}

// AddDomain strips a leading "www." and rejects if already matched by
// an existing exact or second-level rule.
func (b *Blacklist) AddDomain(domain string) AddResult {
	domain = stripWWW(domain)
	if domain == "" {
		return Invalid
	}
	if b.MatchDomain(domain) {
		return AlreadyPresent
	}
	b.domains[domain] = struct{}{}
	b.stats.NumDomains++
	return Ok
}

// AddIP inserts a CIDR of the given address family into the trie.
func (b *Blacklist) AddIP(addr net.IP, prefixBits int) AddResult {
	is4 := addr.To4() != nil
	maxBits := 128
	tree := b.cidr6
	ip := addr
	if is4 {
		maxBits = 32
		tree = b.cidr4
		ip = addr.To4()
	}
	if prefixBits < 0 || prefixBits > maxBits {
		return Invalid
	}
	mask := net.CIDRMask(prefixBits, maxBits)
	network := &net.IPNet{IP: ip.Mask(mask), Mask: mask}

	if err := tree.Add(network, catMalware); err != nil {
		if _, ok, _ := tree.Get(network); ok {
			return AlreadyPresent
		}
		return Invalid
	}
	b.stats.NumIPs++
	return Ok
}

// skippedIP4s are the IPv4 /32s original_source's loader silently
// skips: unspecified, broadcast, and loopback.
var skippedIP4s = map[string]struct{}{
	"0.0.0.0":         {},
	"255.255.255.255": {},
	"127.0.0.1":       {},
}

// AddIPStr parses "ADDR[/bits]", defaulting to a full-host mask when
// no prefix is given, and silently skipping the addresses above.
func (b *Blacklist) AddIPStr(s string) AddResult {
	addrPart := s
	bits := -1
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		addrPart = s[:idx]
		n, err := parseUint(s[idx+1:])
		if err != nil {
			return Invalid
		}
		bits = n
	}

	ip := net.ParseIP(addrPart)
	if ip == nil {
		return Invalid
	}
	is4 := ip.To4() != nil

	if bits < 0 {
		if is4 {
			bits = 32
		} else {
			bits = 128
		}
	}

	if is4 && bits == 32 {
		if _, skip := skippedIP4s[ip.String()]; skip {
			return Ok // silently skipped, not an error
		}
	}

	return b.AddIP(ip, bits)
}

func parseUint(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errInvalidNumber
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errInvalidNumber
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

// AddUID records uid as blacklisted.
func (b *Blacklist) AddUID(uid int) AddResult {
	if _, ok := b.uids[uid]; ok {
		return AlreadyPresent
	}
	b.uids[uid] = struct{}{}
	b.stats.NumApps++
	return Ok
}

// AddCountry records a 2-letter ISO-3166 country code.
func (b *Blacklist) AddCountry(code string) AddResult {
	code = strings.ToUpper(code)
	if len(code) != 2 {
		return Invalid
	}
	if _, ok := b.countries[code]; ok {
		return AlreadyPresent
	}
	b.countries[code] = struct{}{}
	b.stats.NumCountries++
	return Ok
}

// MatchDomain implements spec.md's normalize-strip-exact-then-one-level-suffix rule.
func (b *Blacklist) MatchDomain(host string) bool {
	host = stripWWW(host)
	if _, ok := b.domains[host]; ok {
		return true
	}
	if strings.Count(host, ".") >= 2 {
		if suffix, ok := secondLevel(host); ok {
			if _, hit := b.domains[suffix]; hit {
				return true
			}
		}
	}
	return false
}

// MatchIP does a longest-prefix CIDR lookup.
func (b *Blacklist) MatchIP(addr net.IP) bool {
	tree := b.cidr6
	ip := addr
	if v4 := addr.To4(); v4 != nil {
		tree = b.cidr4
		ip = v4
	}
	v, ok := tree.Contains(ip)
	if !ok {
		return false
	}
	return v.(category) == catMalware
}

// MatchUID is exact set membership.
func (b *Blacklist) MatchUID(uid int) bool {
	_, ok := b.uids[uid]
	return ok
}

// MatchCountry is exact set membership.
func (b *Blacklist) MatchCountry(code string) bool {
	_, ok := b.countries[strings.ToUpper(code)]
	return ok
}

// GetStats returns a copy of the cumulative stats.
func (b *Blacklist) GetStats() Stats {
	return b.stats
}

var errInvalidNumber = invalidNumberError{}

type invalidNumberError struct{}

func (invalidNumberError) Error() string { return "invalid number" }
