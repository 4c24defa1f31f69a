// Copyright (c) 2024 flowcapture authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blacklist

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/nullwatch/flowcapture/log"
)

// Kind distinguishes the two rule-file shapes a descriptor can name.
type Kind int

const (
	KindDomain Kind = iota
	KindIP
)

// FileDescriptor names one rule file under a reload worker's base dir.
type FileDescriptor struct {
	FileName string
	Kind     Kind
}

// maxFileRules mirrors original_source/core/blacklist.c's
// max_file_rules guard against runaway list files.
const maxFileRules = 15_000_000

// testDomain/testIP are seeded into every freshly-built Blacklist so
// downstream self-tests can verify matching end to end, mirroring
// original_source/tests/blacklist.c's well-known test entries.
const (
	testDomain = "rethinkdns-test-malware.example"
	testIP     = "198.51.100.1/32"
)

// LoadResult is what a reload worker publishes on completion: the
// freshly built Blacklist plus one LoadStats entry per descriptor.
type LoadResult struct {
	BL    *Blacklist
	Files []LoadStats
}

// Reload spawns a goroutine that parses every descriptor under
// baseDir and returns a channel that receives exactly one LoadResult
// (the "oneshot" the design notes call for). The worker always
// completes, successfully or with an empty result; it never panics
// the caller.
func Reload(baseDir string, descriptors []FileDescriptor) <-chan LoadResult {
	done := make(chan LoadResult, 1)
	go func() {
		defer close(done)
		bl := New()
		bl.AddDomain(testDomain)
		bl.AddIPStr(testIP)

		files := make([]LoadStats, 0, len(descriptors))
		for _, d := range descriptors {
			ls := loadFile(bl, baseDir, d)
			files = append(files, ls)
		}
		done <- LoadResult{BL: bl, Files: files}
	}()
	return done
}

func loadFile(bl *Blacklist, baseDir string, d FileDescriptor) LoadStats {
	path := filepath.Join(baseDir, d.FileName)
	ls := LoadStats{FileName: d.FileName}

	f, err := os.Open(path)
	if err != nil {
		log.E("blacklist: open %q failed: %v", path, err)
		bl.stats.NumLists++
		return ls
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if ls.NumOK >= maxFileRules {
			ls.NumFailed++
			continue
		}

		var res AddResult
		switch d.Kind {
		case KindIP:
			res = bl.AddIPStr(line)
		case KindDomain:
			res = bl.AddDomain(line)
		}

		switch res {
		case Ok:
			ls.NumOK++
		case AlreadyPresent:
			// not a failure; simply not recounted
		default:
			ls.NumFailed++
		}
	}
	if err := sc.Err(); err != nil {
		log.W("blacklist: scan %q: %v", path, err)
	}

	log.D("blacklist: loaded %s: %d ok, %d failed", d.FileName, ls.NumOK, ls.NumFailed)
	bl.stats.NumLists++
	bl.stats.NumFailed += ls.NumFailed
	return ls
}
