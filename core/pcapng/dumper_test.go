// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pcapng

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestPCAPNGPreambleStartsWithSHB(t *testing.T) {
	d := New(Config{Format: FormatPCAPNG, Snaplen: 65535, Device: "eth0", OS: "linux", AppVer: "1.0"})
	pre := d.Preamble()

	if got := binary.LittleEndian.Uint32(pre[0:4]); got != blockTypeSHB {
		t.Fatalf("first block type = %#x, want SHB %#x", got, blockTypeSHB)
	}
	shbLen := binary.LittleEndian.Uint32(pre[4:8])
	if got := binary.LittleEndian.Uint32(pre[shbLen : shbLen+4]); got != blockTypeIDB {
		t.Fatalf("second block type = %#x, want IDB %#x", got, blockTypeIDB)
	}
}

func TestLegacyPreambleMagic(t *testing.T) {
	d := New(Config{Format: FormatPCAP, Snaplen: 65535})
	pre := d.Preamble()
	if got := binary.LittleEndian.Uint32(pre[0:4]); got != 0xa1b2c3d4 {
		t.Fatalf("magic = %#x, want 0xa1b2c3d4", got)
	}
}

func TestDumpPacketFlushesViaCallback(t *testing.T) {
	var flushed [][]byte
	d := New(Config{
		Format:   FormatPCAPNG,
		Snaplen:  1500,
		Callback: func(buf []byte) { flushed = append(flushed, append([]byte(nil), buf...)) },
	})

	pkt := make([]byte, 40)
	pkt[0] = 0x45 // IPv4, IHL 5
	if ok := d.DumpPacket(pkt, time.Unix(100, 0), 1000, 1); !ok {
		t.Fatal("DumpPacket returned false")
	}

	d.flushPrimary()
	if len(flushed) != 1 {
		t.Fatalf("expected one flush, got %d", len(flushed))
	}
}

func TestMaxDumpSizeLatchesCapExceeded(t *testing.T) {
	d := New(Config{Format: FormatPCAPNG, Snaplen: 1500, MaxDumpSize: 64})
	pkt := make([]byte, 40)
	pkt[0] = 0x45

	for i := 0; i < 5; i++ {
		d.DumpPacket(pkt, time.Unix(int64(i), 0), 1, 1)
	}
	if d.State() != StateCapExceeded {
		t.Fatalf("state = %v, want CapExceeded", d.State())
	}
}

func TestDumpSecretStagesUntilFlush(t *testing.T) {
	d := New(Config{Format: FormatPCAPNG, Snaplen: 1500})
	d.DumpSecret([]byte("CLIENT_RANDOM aaaa bbbb\n"))

	if d.keylogIdx == 0 {
		t.Fatal("expected keylog bytes staged")
	}
	d.flushPrimary()
	if d.keylogIdx != 0 {
		t.Fatal("expected keylog buffer drained after flush")
	}
}

func TestDumpSecretAppendsTrailingNewline(t *testing.T) {
	d := New(Config{Format: FormatPCAPNG, Snaplen: 1500})
	line := "CLIENT_RANDOM aaaa bbbb"
	d.DumpSecret([]byte(line))

	if d.keylogIdx != len(line)+1 {
		t.Fatalf("keylogIdx = %d, want %d", d.keylogIdx, len(line)+1)
	}
	if got := d.keylogBuf[d.keylogIdx-1]; got != '\n' {
		t.Fatalf("last staged byte = %q, want newline", got)
	}
}

func TestDumpSecretDiscardsOnOverflow(t *testing.T) {
	d := New(Config{Format: FormatPCAPNG, Snaplen: 1500})
	d.DumpSecret(make([]byte, primaryBufferSize-10))
	before := d.keylogIdx

	d.DumpSecret([]byte("this chunk does not fit"))

	if d.keylogIdx != before {
		t.Fatalf("keylogIdx changed on overflow: before=%d after=%d", before, d.keylogIdx)
	}
}
