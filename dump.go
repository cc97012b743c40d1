// Copyright 2025 hackas Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// The dumper keeps the before/after text of every run under
// /tmp/.hackas for debugging. Several assembler processes run in
// parallel from the build system, so index allocation and garbage
// collection happen under an exclusive advisory lock on the directory.

const (
	dumpDir            = "/tmp/.hackas"
	dumpCleanThreshold = 600 * time.Second
)

type dumper struct {
	index int
}

// newDumper allocates the next run index, garbage-collects stale dump
// files and writes the pre-rewrite text as NNNNN.0.s.
func newDumper(old []byte) (*dumper, error) {
	if err := os.Mkdir(dumpDir, 0o777); err != nil && !os.IsExist(err) {
		return nil, err
	}
	dir, err := os.Open(dumpDir)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	if err := unix.Flock(int(dir.Fd()), unix.LOCK_EX); err != nil {
		return nil, err
	}
	defer unix.Flock(int(dir.Fd()), unix.LOCK_UN)

	entries, err := os.ReadDir(dumpDir)
	if err != nil {
		return nil, err
	}
	threshold := time.Now().Add(-dumpCleanThreshold)
	index := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".s") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			os.Remove(filepath.Join(dumpDir, name))
		} else if len(name) >= 5 {
			if n, err := strconv.Atoi(name[:5]); err == nil && n > index {
				index = n
			}
		}
	}
	index++

	d := &dumper{index: index}
	if err := os.WriteFile(d.path(0), old, 0o644); err != nil {
		return nil, err
	}
	return d, nil
}

// dumpNew writes the post-rewrite text as NNNNN.1.s.
func (d *dumper) dumpNew(contents []byte) error {
	return os.WriteFile(d.path(1), contents, 0o644)
}

func (d *dumper) path(stage int) string {
	return filepath.Join(dumpDir, fmt.Sprintf("%05d.%d.s", d.index, stage))
}
