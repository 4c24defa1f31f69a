// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package notifyws implements engine.NotifySink over WebSocket
// (nhooyr.io/websocket), fanning every connection-lifecycle and stats
// batch out to all currently-attached clients as JSON. There is no
// pack repo that wires a notification transport for this kind of
// engine; nhooyr.io/websocket is carried from the teacher's go.mod
// because nothing else in the domain stack needs it, and a capture
// engine's natural external-observer interface is a push feed (see
// DESIGN.md).
package notifyws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/nullwatch/flowcapture/core/blacklist"
	"github.com/nullwatch/flowcapture/core/flow"
	"github.com/nullwatch/flowcapture/core/housekeeper"
	"github.com/nullwatch/flowcapture/log"
)

type envelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// Hub is a broadcast-only WebSocket server implementing
// engine.NotifySink.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

// ServeHTTP upgrades the connection and registers it as a broadcast
// target until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.W("notifyws: accept: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Drain the read side only to detect client-initiated close;
	// clients never send this hub anything meaningful.
	for {
		if _, _, err := c.Read(r.Context()); err != nil {
			return
		}
	}
}

func (h *Hub) broadcast(kind string, data any) {
	msg, err := json.Marshal(envelope{Kind: kind, Data: data})
	if err != nil {
		log.E("notifyws: marshal %s: %v", kind, err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, msg); err != nil {
			log.D("notifyws: write failed, dropping client: %v", err)
		}
	}
}

func (h *Hub) NewConnections(conns []*flow.Connection)        { h.broadcast("new_connections", conns) }
func (h *Hub) ConnectionUpdates(conns []*flow.Connection)     { h.broadcast("connection_updates", conns) }
func (h *Hub) StatsUpdate(s housekeeper.Stats)                { h.broadcast("stats", s) }
func (h *Hub) BlacklistsLoaded(files []blacklist.LoadStats)   { h.broadcast("blacklists_loaded", files) }
