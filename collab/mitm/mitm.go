// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mitm is the TLS decryption collaborator: a
// github.com/elazarl/goproxy MITM proxy whose sole job, for this
// engine, is producing a TLS keylog stream and forwarding every line
// to a pcapng.Dumper's DumpSecret, so capture files can be decrypted
// in Wireshark without the proxy itself ever touching application
// bytes. Grounded on original_source/core/pcapdroid.h's
// tls_decryption struct (an enable flag plus a domain allowlist) —
// here expressed as goproxy's own OnRequest/HandleConnect allowlist
// hook instead of a bespoke SNI filter.
package mitm

import (
	"crypto/tls"
	"io"
	"net/http"

	"github.com/elazarl/goproxy"

	"github.com/nullwatch/flowcapture/core/blacklist"
	"github.com/nullwatch/flowcapture/core/pcapng"
	"github.com/nullwatch/flowcapture/log"
)

// keylogWriter adapts pcapng.Dumper.DumpSecret to an io.Writer, the
// shape crypto/tls.Config.KeyLogWriter expects. DumpSecret already
// takes its own lock, so this requires none of its own.
type keylogWriter struct {
	dumper *pcapng.Dumper
}

func (w keylogWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	w.dumper.DumpSecret(cp)
	return len(p), nil
}

// Server wraps a goproxy.ProxyHttpServer configured to MITM only the
// domains allowed by an allowlist (core/blacklist.Blacklist doubling
// as a generic domain-set, matching its use for the firewall's
// allow/deny lists in spec.md's domain stack).
type Server struct {
	Proxy *goproxy.ProxyHttpServer
}

// New builds a Server. allowlist may be nil to MITM every connection
// (decrypt-all mode); dumper receives the resulting TLS keylog.
func New(allowlist *blacklist.Blacklist, dumper *pcapng.Dumper, rootCA tls.Certificate) *Server {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false

	goproxy.GoproxyCa = rootCA
	mitmAction := &goproxy.ConnectAction{
		Action:    goproxy.ConnectMitm,
		TLSConfig: goproxy.TLSConfigFromCA(&rootCA),
	}

	proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			domain, _, _ := splitHostPort(host)
			if allowlist != nil && !allowlist.MatchDomain(domain) {
				log.D("mitm: passthrough (not allowlisted): %s", domain)
				return goproxy.OkConnect, host
			}
			return mitmAction, host
		}))

	proxy.Tr.TLSClientConfig = &tls.Config{
		KeyLogWriter: keylogWriter{dumper: dumper},
	}

	return &Server{Proxy: proxy}
}

func splitHostPort(hostport string) (host, port string, ok bool) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], true
		}
	}
	return hostport, "", false
}

// ListenAndServe starts the MITM proxy on addr; blocks until it exits.
func (s *Server) ListenAndServe(addr string) error {
	log.I("mitm: listening on %s", addr)
	return http.ListenAndServe(addr, s.Proxy)
}

var _ io.Writer = keylogWriter{}
