// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ndpi

import (
	"encoding/binary"
	"testing"

	"github.com/miekg/dns"

	"github.com/nullwatch/flowcapture/core/dpi"
	"github.com/nullwatch/flowcapture/core/flow"
)

func uint16b(n int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(n))
	return b
}

func uint24b(n int) []byte {
	return []byte{byte(n >> 16), byte(n >> 8), byte(n)}
}

func extension(typ int, data []byte) []byte {
	out := uint16b(typ)
	out = append(out, uint16b(len(data))...)
	return append(out, data...)
}

// buildClientHello assembles a minimal, wire-correct TLS record
// carrying a ClientHello with SNI and ALPN extensions, the same shape
// collab/rawcapture/collab/tunnel now hand the driver as l4.Payload
// (the TLS record starting at byte 0, no IP/TCP header in front of
// it).
func buildClientHello(sni, alpn string) []byte {
	sniEntry := append([]byte{0x00}, uint16b(len(sni))...)
	sniEntry = append(sniEntry, []byte(sni)...)
	sniExt := extension(0x0000, append(uint16b(len(sniEntry)), sniEntry...))

	alpnEntry := append([]byte{byte(len(alpn))}, []byte(alpn)...)
	alpnExt := extension(0x0010, append(uint16b(len(alpnEntry)), alpnEntry...))

	extensions := append(append([]byte{}, sniExt...), alpnExt...)

	var body []byte
	body = append(body, 0x03, 0x03)             // client_version (TLS 1.2)
	body = append(body, make([]byte, 32)...)    // random
	body = append(body, 0x00)                   // session_id, empty
	body = append(body, 0x00, 0x02, 0x13, 0x01) // cipher_suites: one entry
	body = append(body, 0x01, 0x00)             // compression_methods: null
	body = append(body, uint16b(len(extensions))...)
	body = append(body, extensions...)

	handshake := append([]byte{0x01}, uint24b(len(body))...) // ClientHello
	handshake = append(handshake, body...)

	record := append([]byte{22, 3, 1}, uint16b(len(handshake))...) // handshake, TLS 1.0 record version
	return append(record, handshake...)
}

func TestProcessTLSExtractsSNIAndALPN(t *testing.T) {
	e := New()
	s := e.NewFlowState(flow.FiveTuple{Proto: flow.ProtoTCP, DstPort: 443})
	pkt := buildClientHello("example.com", "h2")

	info := e.Process(s, pkt, true, 0)
	if info.L7Proto != "tls" {
		t.Fatalf("l7proto = %q, want tls", info.L7Proto)
	}
	if info.Host != "example.com" {
		t.Fatalf("host = %q, want example.com", info.Host)
	}
	if info.ALPN != "h2" {
		t.Fatalf("alpn = %q, want h2", info.ALPN)
	}
	if !info.DissectDone {
		t.Fatal("expected DissectDone once a ClientHello is fully parsed")
	}
}

func TestProcessDNSExtractsQueryName(t *testing.T) {
	e := New()
	s := e.NewFlowState(flow.FiveTuple{Proto: flow.ProtoUDP, DstPort: 53})

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("example.org"), dns.TypeA)
	pkt, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}

	info := e.Process(s, pkt, true, 0)
	if info.L7Proto != "dns" {
		t.Fatalf("l7proto = %q, want dns", info.L7Proto)
	}
	if info.Host != "example.org" {
		t.Fatalf("host = %q, want example.org", info.Host)
	}
	if info.DissectDone {
		t.Fatal("a query alone should not finish dissection, only a response does")
	}
}

func TestProcessHTTPExtractsHostAndURL(t *testing.T) {
	e := New()
	s := e.NewFlowState(flow.FiveTuple{Proto: flow.ProtoTCP, DstPort: 80})
	req := "GET /index.html HTTP/1.1\r\nHost: example.net\r\nUser-Agent: test\r\n\r\n"

	info := e.Process(s, []byte(req), true, 0)
	if info.L7Proto != "http" {
		t.Fatalf("l7proto = %q, want http", info.L7Proto)
	}
	if info.URL != "/index.html" {
		t.Fatalf("url = %q, want /index.html", info.URL)
	}
	if info.Host != "example.net" {
		t.Fatalf("host = %q, want example.net", info.Host)
	}
}

// TestDriverFeedRecognizesClientHello drives a real ClientHello-shaped
// payload through core/dpi.Driver exactly as engine.ProcessPacket now
// does (l4.Payload, not a raw L2/L3 frame), catching a regression back
// to handing DPI bytes it can't parse.
func TestDriverFeedRecognizesClientHello(t *testing.T) {
	d := dpi.NewDriver(New(), nil, nil)
	c := flow.NewConnection(1, flow.FiveTuple{Proto: flow.ProtoTCP, DstPort: 443}, flow.UnknownUID, 0)
	d.Start(c)

	d.Feed(c, buildClientHello("driver.example", "h2"), true, 0)

	if c.Host != "driver.example" {
		t.Fatalf("connection host = %q, want driver.example", c.Host)
	}
	if c.ALPN != "h2" {
		t.Fatalf("connection alpn = %q, want h2", c.ALPN)
	}
}
