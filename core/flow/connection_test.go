// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package flow

import "testing"

func TestStatusNeverRewinds(t *testing.T) {
	c := NewConnection(1, FiveTuple{}, UnknownUID, 0)
	c.SetStatus(StatusConnected)
	c.SetStatus(StatusNew) // must be ignored

	if c.Status != StatusConnected {
		t.Fatalf("status rewound to %v", c.Status)
	}
}

func TestSetHostNeverDowngradesAuthoritative(t *testing.T) {
	c := NewConnection(1, FiveTuple{}, UnknownUID, 0)
	c.SetHost("real.example.com", false)
	c.SetHost("lru-guess.example.com", true)

	if c.Host != "real.example.com" || c.HostFromLRU {
		t.Fatalf("authoritative host was downgraded: host=%q fromLRU=%v", c.Host, c.HostFromLRU)
	}
}

func TestSetHostAcceptsLRUWhenEmpty(t *testing.T) {
	c := NewConnection(1, FiveTuple{}, UnknownUID, 0)
	c.SetHost("guess.example.com", true)

	if c.Host != "guess.example.com" || !c.HostFromLRU {
		t.Fatalf("LRU host not accepted on empty host: host=%q fromLRU=%v", c.Host, c.HostFromLRU)
	}
}

func TestUpdateStatusTCPHandshakeAndClose(t *testing.T) {
	c := NewConnection(1, FiveTuple{}, UnknownUID, 0)

	c.UpdateStatus(ProtoTCP, TCPSyn, 0, false, false, true) // client SYN
	if c.Status != StatusConnecting {
		t.Fatalf("after SYN: status = %v, want Connecting", c.Status)
	}

	c.UpdateStatus(ProtoTCP, TCPSyn|TCPAck, 0, false, false, false) // server SYN-ACK
	if c.Status != StatusConnecting {
		t.Fatalf("after SYN-ACK alone (no client ACK yet): status = %v, want Connecting", c.Status)
	}

	c.UpdateStatus(ProtoTCP, TCPAck, 0, false, false, true) // client's final ACK
	if c.Status != StatusConnected {
		t.Fatalf("after the full 3-way handshake: status = %v, want Connected", c.Status)
	}

	c.UpdateStatus(ProtoTCP, TCPFin, 0, false, false, true) // client FIN
	if c.Status != StatusConnected {
		t.Fatalf("a FIN seen from only one side should not close yet: status = %v", c.Status)
	}

	c.UpdateStatus(ProtoTCP, TCPFin|TCPAck, 0, false, false, false) // server FIN+ACK
	if c.Status != StatusConnected {
		t.Fatalf("FINs seen from both sides latch but don't close without a final ACK: status = %v", c.Status)
	}

	c.UpdateStatus(ProtoTCP, TCPAck, 0, false, false, true) // client's closing ACK
	if c.Status != StatusClosed {
		t.Fatalf("after the closing ACK: status = %v, want Closed", c.Status)
	}
}

func TestUpdateStatusTCPResetIsTerminal(t *testing.T) {
	c := NewConnection(1, FiveTuple{}, UnknownUID, 0)
	c.UpdateStatus(ProtoTCP, TCPSyn, 0, false, false, true)
	c.UpdateStatus(ProtoTCP, TCPRst, 0, false, false, false)

	if c.Status != StatusReset {
		t.Fatalf("status = %v, want Reset", c.Status)
	}

	changed := c.UpdateStatus(ProtoTCP, TCPAck, 0, false, false, true)
	if changed || c.Status != StatusReset {
		t.Fatalf("terminal connection should ignore further packets: status = %v, changed = %v", c.Status, changed)
	}
}

func TestUpdateStatusTCPPayloadFastPathToConnected(t *testing.T) {
	c := NewConnection(1, FiveTuple{}, UnknownUID, 0)
	c.UpdateStatus(ProtoTCP, 0, 128, false, false, true)

	if c.Status != StatusConnected {
		t.Fatalf("a packet carrying payload should jump straight to Connected: status = %v", c.Status)
	}
}

func TestUpdateStatusUDPDNSClosesOnLastResponse(t *testing.T) {
	c := NewConnection(1, FiveTuple{Proto: ProtoUDP, DstPort: 53}, UnknownUID, 0)

	c.UpdateStatus(ProtoUDP, 0, 32, true, false, true) // query out
	if c.Status != StatusConnected || c.ToPurge {
		t.Fatalf("after query: status = %v, toPurge = %v", c.Status, c.ToPurge)
	}

	c.UpdateStatus(ProtoUDP, 0, 64, false, true, false) // response in
	if c.Status != StatusClosed || !c.ToPurge {
		t.Fatalf("after the only response: status = %v, toPurge = %v, want Closed/true", c.Status, c.ToPurge)
	}
}

func TestIsSystemResolver(t *testing.T) {
	cases := []struct {
		uid  UID
		want bool
	}{
		{NetdUID, true},
		{PhoneUID, true},
		{UnknownUID, true},
		{UID(10123), false},
	}
	for _, c := range cases {
		if got := c.uid.IsSystemResolver(); got != c.want {
			t.Errorf("IsSystemResolver(%v) = %v, want %v", c.uid, got, c.want)
		}
	}
}
