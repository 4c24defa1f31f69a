// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ndpi is a reference dpi.Engine: a pure-Go heuristic
// classifier recognizing DNS (github.com/miekg/dns), HTTP (Host/
// request-line parsing), and TLS (ClientHello SNI + ALPN extraction).
// It is named after, but does not wrap, nDPI itself — the real engine
// is a cgo binding the examples don't carry a pure-Go path for, so
// this package fills the dpi.Engine contract the way
// original_source/core/pcapdroid.c's perform_dpi callers expect
// (see DESIGN.md). Grounded on intra/xdns/dnsutil.go for the
// miekg/dns call shape and on the TLS ClientHello layout described in
// RFC 8446 §4.1.2/§4.2.
package ndpi

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/miekg/dns"

	"github.com/nullwatch/flowcapture/core/dpi"
	"github.com/nullwatch/flowcapture/core/flow"
)

// Engine is the stateless factory; all per-flow state lives in *state.
type Engine struct{}

// New constructs the reference heuristic engine.
func New() *Engine { return &Engine{} }

type state struct {
	tuple    flow.FiveTuple
	l7proto  string
	host     string
	alpn     string
	url      string
	done     bool
}

func (e *Engine) NewFlowState(t flow.FiveTuple) any {
	return &state{tuple: t}
}

func (e *Engine) Process(raw any, pkt []byte, isTx bool, nowMs int64) dpi.Info {
	s := raw.(*state)

	switch s.tuple.Proto {
	case flow.ProtoUDP:
		if s.tuple.DstPort == 53 || s.tuple.SrcPort == 53 {
			e.processDNS(s, pkt)
		}
	case flow.ProtoTCP:
		if looksLikeTLSClientHello(pkt) {
			e.processTLS(s, pkt)
		} else if isTx && looksLikeHTTPRequest(pkt) {
			e.processHTTP(s, pkt)
		}
	}

	return s.info()
}

func (e *Engine) Giveup(raw any) dpi.Info {
	s := raw.(*state)
	if s.l7proto == "" {
		s.l7proto = "unknown"
	}
	s.done = true
	return s.info()
}

func (e *Engine) Release(raw any) {}

func (s *state) info() dpi.Info {
	return dpi.Info{
		L7Proto:     s.l7proto,
		ALPN:        s.alpn,
		Host:        s.host,
		URL:         s.url,
		Encrypted:   s.l7proto == "tls",
		DissectDone: s.done,
	}
}

func (e *Engine) processDNS(s *state, pkt []byte) {
	var msg dns.Msg
	if err := msg.Unpack(pkt); err != nil {
		return
	}
	s.l7proto = "dns"
	if len(msg.Question) > 0 {
		s.host = strings.TrimSuffix(msg.Question[0].Name, ".")
	}
	if msg.Response {
		s.done = true
	}
}

func looksLikeHTTPRequest(pkt []byte) bool {
	for _, m := range [][]byte{[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT ")} {
		if bytes.HasPrefix(pkt, m) {
			return true
		}
	}
	return false
}

func (e *Engine) processHTTP(s *state, pkt []byte) {
	s.l7proto = "http"
	lines := bytes.Split(pkt, []byte("\r\n"))
	if len(lines) == 0 {
		return
	}
	reqLine := strings.Fields(string(lines[0]))
	if len(reqLine) >= 2 {
		s.url = reqLine[1]
	}
	for _, line := range lines[1:] {
		if h, v, ok := strings.Cut(string(line), ":"); ok && strings.EqualFold(strings.TrimSpace(h), "host") {
			s.host = strings.TrimSpace(v)
			s.done = true
			return
		}
	}
}

// looksLikeTLSClientHello checks the outer TLS record header: content
// type 22 (handshake), record versions 0x03 0x00 through 0x03 0x04.
func looksLikeTLSClientHello(pkt []byte) bool {
	return len(pkt) > 5 && pkt[0] == 22 && pkt[1] == 3 && pkt[2] <= 4
}

// processTLS walks a ClientHello's extensions for SNI (0x0000) and
// ALPN (0x0010), per RFC 8446 §4.1.2/§4.2.
func (e *Engine) processTLS(s *state, pkt []byte) {
	s.l7proto = "tls"
	if len(pkt) < 5+4 {
		return
	}
	body := pkt[5:] // strip the TLS record header
	if len(body) < 4 || body[0] != 1 {
		return // not a ClientHello
	}
	body = body[4:] // strip handshake header (type + 3-byte length)

	if len(body) < 2+32 {
		return
	}
	pos := 2 + 32 // client_version + random
	if pos >= len(body) {
		return
	}
	sessIDLen := int(body[pos])
	pos += 1 + sessIDLen
	if pos+2 > len(body) {
		return
	}
	cipherLen := int(binary.BigEndian.Uint16(body[pos:]))
	pos += 2 + cipherLen
	if pos+1 > len(body) {
		return
	}
	compLen := int(body[pos])
	pos += 1 + compLen
	if pos+2 > len(body) {
		return
	}
	extTotalLen := int(binary.BigEndian.Uint16(body[pos:]))
	pos += 2
	end := pos + extTotalLen
	if end > len(body) {
		end = len(body)
	}

	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(body[pos:])
		extLen := int(binary.BigEndian.Uint16(body[pos+2:]))
		extStart := pos + 4
		if extStart+extLen > len(body) {
			break
		}
		switch extType {
		case 0x0000: // server_name
			s.host = parseSNI(body[extStart : extStart+extLen])
		case 0x0010: // application_layer_protocol_negotiation
			s.alpn = parseALPN(body[extStart : extStart+extLen])
		}
		pos = extStart + extLen
	}
	s.done = true
}

func parseSNI(ext []byte) string {
	if len(ext) < 5 {
		return ""
	}
	nameLen := int(binary.BigEndian.Uint16(ext[3:]))
	if 5+nameLen > len(ext) {
		return ""
	}
	return string(ext[5 : 5+nameLen])
}

func parseALPN(ext []byte) string {
	if len(ext) < 3 {
		return ""
	}
	protoLen := int(ext[2])
	if 3+protoLen > len(ext) {
		return ""
	}
	return string(ext[3 : 3+protoLen])
}
