// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dpi

import (
	"testing"

	"github.com/nullwatch/flowcapture/core/flow"
)

type mockEngine struct {
	released   bool
	giveupCall int
	host       string
}

func (m *mockEngine) NewFlowState(t flow.FiveTuple) any { return m }

func (m *mockEngine) Process(state any, pkt []byte, isTx bool, nowMs int64) Info {
	return Info{L7Proto: "tls", Host: m.host}
}

func (m *mockEngine) Giveup(state any) Info {
	m.giveupCall++
	return Info{L7Proto: "tls", Host: m.host, DissectDone: true}
}

func (m *mockEngine) Release(state any) { m.released = true }

func TestFeedGivesUpAtMaxPackets(t *testing.T) {
	me := &mockEngine{host: "example.com"}
	d := NewDriver(me, nil, nil)

	c := flow.NewConnection(1, flow.FiveTuple{}, flow.UnknownUID, 0)
	d.Start(c)

	for i := 0; i < MaxDPIPackets; i++ {
		d.Feed(c, []byte{1, 2, 3}, true, int64(i))
	}

	if me.giveupCall != 1 {
		t.Fatalf("giveup called %d times, want 1", me.giveupCall)
	}
	if !me.released {
		t.Fatal("expected engine state released")
	}
	if c.DPIState != nil {
		t.Fatal("expected connection DPIState cleared")
	}
	if c.Host != "example.com" {
		t.Fatalf("host = %q, want example.com", c.Host)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	me := &mockEngine{}
	d := NewDriver(me, nil, nil)
	c := flow.NewConnection(1, flow.FiveTuple{}, flow.UnknownUID, 0)

	d.Start(c)
	first := c.DPIState
	d.Start(c)

	if c.DPIState != first {
		t.Fatal("Start should be a no-op once DPI state is attached")
	}
}
