// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pcapng is the PCAPNG/legacy-PCAP dumper: a buffered,
// size-capped, custom-block-emitting writer with an independent TLS
// keylog staging buffer fed from a second thread (spec.md §4.4).
//
// Block layout and constants are grounded byte-for-byte in
// _examples/original_source/app/src/main/jni/core/pcap_dump.c and
// pcap_dump.h. No pack library is wired for the encoding itself:
// google/gopacket/pcapgo's NgWriter does not support custom blocks,
// Decryption Secrets Blocks, or this exact buffered/capped model, so
// the writer is hand-rolled over encoding/binary (see DESIGN.md).
package pcapng

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	sieve "github.com/opencoff/go-sieve"

	"github.com/nullwatch/flowcapture/log"
)

// Format selects the on-the-wire container.
type Format int

const (
	FormatPCAP Format = iota
	FormatPCAPNG
)

// State is the dumper's one-way latch.
type State int32

const (
	StateWriting State = iota
	StateCapExceeded
)

const (
	linkTypeEthernet = 1
	linkTypeRaw      = 101

	blockTypeSHB    = 0x0A0D0D0A
	blockTypeIDB    = 0x00000001
	blockTypeEPB    = 0x00000006
	blockTypeDSB    = 0x0000000A
	blockTypeCustom = 0x00000bad

	pcapngMagic      = 0x1a2b3c4d
	pen              = 62652 // PCAPdroid's IANA Enterprise Number, kept for wire compat
	pcapBlockVersion = 1
	blockUIDMap      = 1

	secretsTypeTLSKeylog = 0x544c534b // "TLSK"

	trailerMagic = 0x01072021

	primaryBufferSize     = 512 * 1024
	bufferAlmostFullSize  = 450 * 1024
	maxDumpDelayMs        = 1000
	keylogHeadroom        = 16 // sizeof(pcapng_decr_secrets_block_t)
	keylogTailroom        = 8  // total_length field + up to 3 bytes padding + 1
)

// Callback is the sole I/O sink for dumped bytes; the dumper performs
// no I/O itself (spec.md §6).
type Callback func(buf []byte)

// Config configures a new Dumper.
type Config struct {
	Format         Format
	DumpExtensions bool // "PCAPdroid trailer" extension
	Snaplen        int
	MaxDumpSize    uint64 // 0 = unbounded
	Callback       Callback

	Device    string
	OS        string
	AppVer    string
	AppName   func(uid int) (pkg, app string)
}

// Dumper is a buffered PCAPNG/PCAP writer. It is not safe for
// concurrent use except DumpSecret, which is the sole cross-thread
// entry point (spec.md §5).
type Dumper struct {
	cfg   Config
	state State

	buffer    []byte
	bufferIdx int
	dumpSize  uint64
	lastDumpMs int64

	keylogMu  sync.Mutex
	keylogBuf []byte
	keylogIdx int

	// bounded caches of already-announced interfaces/UIDs; SIEVE is
	// used rather than a plain map because long captures can observe
	// many thousands of short-lived UIDs, and the spec places no
	// ordering invariant on these sets (see DESIGN.md).
	announcedIfaces *sieve.Sieve[int, int] // ifindex -> pcapng interface id
	announcedUIDs   *sieve.Sieve[int, struct{}]
	nextIfaceID     int
}

// New constructs a Dumper in state Writing.
func New(cfg Config) *Dumper {
	ifaces, _ := sieve.New[int, int](4096)
	uids, _ := sieve.New[int, struct{}](4096)
	return &Dumper{
		cfg:             cfg,
		buffer:          make([]byte, primaryBufferSize),
		announcedIfaces: ifaces,
		announcedUIDs:   uids,
	}
}

func (d *Dumper) linkType() uint16 {
	if d.cfg.DumpExtensions {
		return linkTypeEthernet
	}
	return linkTypeRaw
}

// Preamble returns the bytes that must precede every record: a legacy
// PCAP file header, or a PCAPNG Section Header Block plus an initial
// Interface Description Block.
func (d *Dumper) Preamble() []byte {
	if d.cfg.Format == FormatPCAP {
		return d.pcapFileHeader()
	}
	return d.pcapngPreamble()
}

func (d *Dumper) pcapFileHeader() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(buf[4:], 2)
	binary.LittleEndian.PutUint16(buf[6:], 4)
	// thiszone, sigfigs = 0
	binary.LittleEndian.PutUint32(buf[16:], uint32(d.cfg.Snaplen))
	binary.LittleEndian.PutUint32(buf[20:], uint32(d.linkType()))
	return buf
}

type opt struct {
	code uint16
	data []byte
}

func (o opt) padded() int {
	return 4 + len(o.data) + pad4(len(o.data))
}

func writeOpt(buf []byte, o opt) int {
	binary.LittleEndian.PutUint16(buf[0:], o.code)
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(o.data)))
	n := 4
	n += copy(buf[n:], o.data)
	for i := 0; i < pad4(len(o.data)); i++ {
		buf[n] = 0
		n++
	}
	return n
}

func pad4(n int) int {
	return (4 - (n % 4)) % 4
}

func (d *Dumper) pcapngPreamble() []byte {
	hwOpt := opt{2, []byte(d.cfg.Device)}
	osOpt := opt{3, []byte(d.cfg.OS)}
	appOpt := opt{4, []byte(d.cfg.AppVer)}

	shbLen := 24 + hwOpt.padded() + osOpt.padded() + appOpt.padded() + 4
	idbLen := 16 + 4

	buf := make([]byte, shbLen+idbLen)

	binary.LittleEndian.PutUint32(buf[0:], blockTypeSHB)
	binary.LittleEndian.PutUint32(buf[4:], uint32(shbLen))
	binary.LittleEndian.PutUint32(buf[8:], pcapngMagic)
	binary.LittleEndian.PutUint16(buf[12:], 1) // version_major
	binary.LittleEndian.PutUint16(buf[14:], 0) // version_minor
	binary.LittleEndian.PutUint64(buf[16:], ^uint64(0))

	off := 24
	off += writeOpt(buf[off:], hwOpt)
	off += writeOpt(buf[off:], osOpt)
	off += writeOpt(buf[off:], appOpt)
	binary.LittleEndian.PutUint32(buf[off:], uint32(shbLen))
	off += 4

	binary.LittleEndian.PutUint32(buf[off:], blockTypeIDB)
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(idbLen))
	binary.LittleEndian.PutUint16(buf[off+8:], d.linkType())
	binary.LittleEndian.PutUint16(buf[off+10:], 0) // reserved
	binary.LittleEndian.PutUint32(buf[off+12:], uint32(d.cfg.Snaplen))
	binary.LittleEndian.PutUint32(buf[off+16:], uint32(idbLen))

	return buf
}

// allocate reserves size bytes in the primary buffer, flushing first
// if needed. Returns nil (and latches CapExceeded) if the cap would be
// exceeded.
func (d *Dumper) allocate(size int) []byte {
	if d.state == StateCapExceeded {
		return nil
	}
	if primaryBufferSize-d.bufferIdx <= size {
		d.flushPrimary()
	}
	if primaryBufferSize-d.bufferIdx <= size {
		log.E("pcapng: record of size %d cannot fit in a %d buffer", size, primaryBufferSize)
		return nil
	}
	if d.cfg.MaxDumpSize > 0 && d.dumpSize+uint64(size) >= d.cfg.MaxDumpSize {
		d.state = StateCapExceeded
		log.I("pcapng: max dump size reached, latching off")
		return nil
	}

	start := d.bufferIdx
	d.bufferIdx += size
	d.dumpSize += uint64(size)
	return d.buffer[start:d.bufferIdx]
}

func (d *Dumper) flushPrimary() {
	if d.state == StateCapExceeded {
		return
	}
	d.flushKeylog()

	if d.bufferIdx == 0 {
		return
	}
	if d.cfg.Callback != nil {
		d.cfg.Callback(d.buffer[:d.bufferIdx])
	}
	d.bufferIdx = 0
}

// CheckExport flushes the primary buffer when the flush-delay heuristic
// or the keylog high-water mark says to. nowMs is the caller's
// monotonic-coarse clock. Returns true if a flush happened.
func (d *Dumper) CheckExport(nowMs int64) bool {
	if d.state == StateCapExceeded {
		return false
	}
	overdue := d.bufferIdx > 0 && (nowMs-d.lastDumpMs) >= maxDumpDelayMs
	d.keylogMu.Lock()
	keylogHot := d.keylogIdx > bufferAlmostFullSize
	d.keylogMu.Unlock()
	if overdue || keylogHot {
		d.flushPrimary()
		d.lastDumpMs = nowMs
		return true
	}
	return false
}

// Destroy flushes once and releases all state.
func (d *Dumper) Destroy() {
	d.flushPrimary()
	d.buffer = nil
	d.keylogBuf = nil
}

// DumpSize returns the cumulative bytes dumped so far.
func (d *Dumper) DumpSize() uint64 {
	return d.dumpSize
}

// State returns the current latch state.
func (d *Dumper) State() State {
	return d.state
}

// crc32ieee is used by the legacy-PCAP trailer, matching the zlib IEEE
// polynomial original_source's crc32() call uses.
func crc32ieee(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// etherTypeFor infers 0x0800/0x86DD from the first nibble of an IP
// packet, per spec.md §4.4.
func etherTypeFor(pkt []byte) uint16 {
	if len(pkt) == 0 {
		return 0x0800
	}
	if pkt[0]>>4 == 6 {
		return 0x86DD
	}
	return 0x0800
}
