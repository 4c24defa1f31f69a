// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package housekeeper

import (
	"testing"

	"github.com/nullwatch/flowcapture/core/blacklist"
	"github.com/nullwatch/flowcapture/core/flow"
)

func TestConnectionsDumpFiresAfterDeadline(t *testing.T) {
	table := flow.NewTable()
	table.New(flow.FiveTuple{SrcPort: 1}, flow.UnknownUID, 0)

	var dumped bool
	h := New(table, nil, Callbacks{
		SendConnectionsDump: func(newConns, updated []*flow.Connection) { dumped = true },
	}, 0)

	h.Tick(100, Stats{}) // before the 500ms initial deadline
	if dumped {
		t.Fatal("dump fired before deadline")
	}

	h.Tick(600, Stats{})
	if !dumped {
		t.Fatal("expected dump to fire once past the deadline")
	}
}

func TestReloadPublishesAndRechecks(t *testing.T) {
	table := flow.NewTable()
	c := table.New(flow.FiveTuple{SrcPort: 1}, flow.UID(42), 0)
	c.Host = "bad.example"

	var rechecked int
	h := New(table, nil, Callbacks{
		CheckBlacklistedConn: func(c *flow.Connection) { rechecked++ },
	}, 0)

	bl := blacklist.New()
	bl.AddDomain("bad.example")
	ch := make(chan blacklist.LoadResult, 1)
	ch <- blacklist.LoadResult{BL: bl}
	close(ch)

	h.Tick(600, Stats{}) // consume the initial connections-dump deadline first
	h.RequestReload(ch)
	h.Tick(700, Stats{}) // now the reload branch is reachable

	if h.ActiveBlacklist() != bl {
		t.Fatal("expected the reloaded blacklist to be published")
	}
	if rechecked != 1 {
		t.Fatalf("rechecked %d connections, want 1", rechecked)
	}
}
