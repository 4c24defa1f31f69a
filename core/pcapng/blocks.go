// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pcapng

import (
	"encoding/binary"
	"time"

	"github.com/nullwatch/flowcapture/log"
)

// DumpPacket encodes one captured packet as either an Enhanced Packet
// Block (PCAPNG) or a legacy record (+ optional PCAPdroid trailer),
// and reserves space for it in the primary buffer. Returns false if
// the dumper has latched CapExceeded or the record did not fit.
func (d *Dumper) DumpPacket(pkt []byte, ts time.Time, uid, ifIndex int) bool {
	if d.state == StateCapExceeded {
		return false
	}
	captured := len(pkt)
	if d.cfg.Snaplen > 0 && captured > d.cfg.Snaplen {
		captured = d.cfg.Snaplen
	}
	pkt = pkt[:captured]

	if d.cfg.Format == FormatPCAPNG {
		return d.dumpPacketNG(pkt, ts, uid, ifIndex)
	}
	return d.dumpPacketLegacy(pkt, ts, uid, ifIndex)
}

func (d *Dumper) dumpPacketLegacy(pkt []byte, ts time.Time, uid, ifIndex int) bool {
	dataLen := len(pkt)
	trailer := d.cfg.DumpExtensions
	var ethHdr [14]byte
	ethLen := 0
	trailerLen := 0
	if trailer {
		ethLen = 14
		binary.BigEndian.PutUint16(ethHdr[12:], etherTypeFor(pkt))
		trailerLen = 4 + 4 + 1 + 3 + 4 + 4 // uid + ifidx + flags+pad + magic + crc
	}
	total := ethLen + dataLen + trailerLen
	recLen := 16 + total
	buf := d.allocate(recLen)
	if buf == nil {
		return false
	}

	binary.LittleEndian.PutUint32(buf[0:], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(buf[4:], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(buf[8:], uint32(total))
	binary.LittleEndian.PutUint32(buf[12:], uint32(total))

	off := 16
	if trailer {
		off += copy(buf[off:], ethHdr[:])
	}
	off += copy(buf[off:], pkt)
	if trailer {
		trailerStart := off
		binary.LittleEndian.PutUint32(buf[off:], uint32(uid))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(ifIndex))
		off += 4
		buf[off] = 0 // flags, reserved for future direction/proto hints
		off += 1 + 3
		binary.LittleEndian.PutUint32(buf[off:], trailerMagic)
		off += 4
		crc := crc32ieee(buf[trailerStart:off])
		binary.LittleEndian.PutUint32(buf[off:], crc)
	}
	return true
}

func (d *Dumper) dumpPacketNG(pkt []byte, ts time.Time, uid, ifIndex int) bool {
	ifaceID := d.announceInterface(ifIndex)
	d.announceUID(uid)

	dataLen := len(pkt)
	padded := dataLen + pad4(dataLen)
	blockLen := 32 + padded

	buf := d.allocate(blockLen)
	if buf == nil {
		return false
	}

	micros := uint64(ts.UnixMicro())
	binary.LittleEndian.PutUint32(buf[0:], blockTypeEPB)
	binary.LittleEndian.PutUint32(buf[4:], uint32(blockLen))
	binary.LittleEndian.PutUint32(buf[8:], uint32(ifaceID))
	binary.LittleEndian.PutUint32(buf[12:], uint32(micros>>32))
	binary.LittleEndian.PutUint32(buf[16:], uint32(micros))
	binary.LittleEndian.PutUint32(buf[20:], uint32(dataLen))
	binary.LittleEndian.PutUint32(buf[24:], uint32(dataLen))
	copy(buf[28:], pkt)
	binary.LittleEndian.PutUint32(buf[28+padded:], uint32(blockLen))
	return true
}

// announceInterface returns the PCAPNG interface id for ifIndex,
// emitting a fresh Interface Description Block the first time it is
// seen. The id space is independent of ifIndex so short-lived
// interfaces don't exhaust a 32-bit field over a long capture. Id 0 is
// the Interface Description Block carried by the Preamble: an ifIndex
// of 0 or less maps to it, and announced interfaces count up from 1.
func (d *Dumper) announceInterface(ifIndex int) int {
	if ifIndex <= 0 {
		return 0
	}
	if id, ok := d.announcedIfaces.Get(ifIndex); ok {
		return id
	}
	d.nextIfaceID++
	id := d.nextIfaceID
	d.announcedIfaces.Add(ifIndex, id)

	const idbLen = 16 + 4
	buf := d.allocate(idbLen)
	if buf != nil {
		binary.LittleEndian.PutUint32(buf[0:], blockTypeIDB)
		binary.LittleEndian.PutUint32(buf[4:], uint32(idbLen))
		binary.LittleEndian.PutUint16(buf[8:], d.linkType())
		binary.LittleEndian.PutUint16(buf[10:], 0)
		binary.LittleEndian.PutUint32(buf[12:], uint32(d.cfg.Snaplen))
		binary.LittleEndian.PutUint32(buf[16:], uint32(idbLen))
	}
	return id
}

// announceUID emits one custom block mapping a UID to its package/app
// name the first time that UID is observed, using PCAPdroid's
// registered PEN and custom block type so Wireshark's existing
// dissector recognizes it unmodified.
func (d *Dumper) announceUID(uid int) {
	if _, ok := d.announcedUIDs.Get(uid); ok {
		return
	}
	d.announcedUIDs.Add(uid, struct{}{})

	var pkg, app string
	if d.cfg.AppName != nil {
		pkg, app = d.cfg.AppName(uid)
	}
	payload := encodeUIDMapPayload(uid, pkg, app)
	payloadPadded := len(payload) + pad4(len(payload))
	blockLen := 20 + payloadPadded + 4

	buf := d.allocate(blockLen)
	if buf == nil {
		return
	}
	binary.LittleEndian.PutUint32(buf[0:], blockTypeCustom)
	binary.LittleEndian.PutUint32(buf[4:], uint32(blockLen))
	binary.LittleEndian.PutUint32(buf[8:], pen)
	binary.LittleEndian.PutUint32(buf[12:], blockUIDMap)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(payload)))
	copy(buf[20:], payload)
	binary.LittleEndian.PutUint32(buf[20+payloadPadded:], uint32(blockLen))
}

func encodeUIDMapPayload(uid int, pkg, app string) []byte {
	buf := make([]byte, 4+2+len(pkg)+2+len(app))
	binary.LittleEndian.PutUint32(buf[0:], uint32(uid))
	binary.LittleEndian.PutUint16(buf[4:], uint16(len(pkg)))
	n := 6 + copy(buf[6:], pkg)
	binary.LittleEndian.PutUint16(buf[n:], uint16(len(app)))
	copy(buf[n+2:], app)
	return buf
}

// DumpSecret stages a TLS keylog line for inclusion in the next
// Decryption Secrets Block. It is the one method meant to be called
// from a thread other than the one driving DumpPacket/CheckExport
// (spec.md §4.4/§5): the MITM collaborator's TLS callback. Grounded on
// pcap_dump.c's pcap_dump_secret: the staging buffer is capped at
// primaryBufferSize so a keylog that isn't being drained (e.g. export
// is latched off) can't grow without bound, and the whole chunk is
// discarded rather than partially written when it wouldn't fit. A
// trailing newline is appended after every accepted chunk, matching
// keylog file line framing.
func (d *Dumper) DumpSecret(raw []byte) {
	d.keylogMu.Lock()
	defer d.keylogMu.Unlock()

	if d.keylogBuf == nil {
		d.keylogBuf = make([]byte, primaryBufferSize)
	}
	if d.keylogIdx+len(raw)+1 >= primaryBufferSize {
		log.W("pcapng: keylog buffer full, discarding secret")
		return
	}
	d.keylogIdx += copy(d.keylogBuf[d.keylogIdx:], raw)
	d.keylogBuf[d.keylogIdx] = '\n'
	d.keylogIdx++
}

// flushKeylog drains the staged keylog bytes into one Decryption
// Secrets Block in the primary buffer. Called only from the writer
// thread, always before the primary buffer itself is handed to the
// callback, so a TLS keylog is never split across two exported files.
func (d *Dumper) flushKeylog() {
	d.keylogMu.Lock()
	var staged []byte
	if d.keylogIdx > 0 {
		staged = make([]byte, d.keylogIdx)
		copy(staged, d.keylogBuf[:d.keylogIdx])
	}
	d.keylogIdx = 0
	d.keylogMu.Unlock()

	if len(staged) == 0 {
		return
	}
	if d.cfg.Format != FormatPCAPNG {
		return // legacy PCAP has no secrets-block concept; keylog is dropped
	}

	padded := len(staged) + pad4(len(staged))
	blockLen := keylogHeadroom + padded + 4 // header + data + trailing total_length

	buf := d.allocate(blockLen)
	if buf == nil {
		return
	}
	binary.LittleEndian.PutUint32(buf[0:], blockTypeDSB)
	binary.LittleEndian.PutUint32(buf[4:], uint32(blockLen))
	binary.LittleEndian.PutUint32(buf[8:], secretsTypeTLSKeylog)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(staged)))
	copy(buf[16:], staged)
	binary.LittleEndian.PutUint32(buf[16+padded:], uint32(blockLen))
}
