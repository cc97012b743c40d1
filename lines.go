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
	"strings"

	"github.com/dlclark/regexp2"
)

var setAliasPattern = regexp2.MustCompile(`^\t\.set\t([.\w]*),([.\w]*)$`, regexp2.Multiline)

// isLabelLine reports whether the line is exactly "<name>:" with the
// name made of label characters only.
func isLabelLine(line string) bool {
	if len(line) < 2 || line[len(line)-1] != ':' {
		return false
	}
	for i := 0; i < len(line)-1; i++ {
		c := line[i]
		if !(c == '.' || c == '_' || c >= '0' && c <= '9' ||
			c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}

// splitInstruction splits a line into its mnemonic and operand text.
func splitInstruction(line string) (key, operand string) {
	line = strings.TrimLeft(line, " \t")
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimLeft(line[i+1:], " \t")
	}
	return line, ""
}

// document is the line model: an indexed view of the assembly text with
// a label table built once at construction and a lazily populated
// classification cache. Overwriting a line invalidates its cache slot;
// the label table is intentionally not maintained across mutations.
type document struct {
	lines  []string
	labels map[string]int
	cache  []lineType
}

func newDocument(contents string) *document {
	lines := strings.Split(contents, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	d := &document{
		lines:  lines,
		labels: make(map[string]int),
		cache:  make([]lineType, len(lines)),
	}
	for i, line := range lines {
		if isLabelLine(line) {
			d.labels[line[:len(line)-1]] = i
		}
	}
	// Aliases declared via .set refer to the aliased label's line.
	for _, m := range findAllMatches(setAliasPattern, contents) {
		newName, oldName := group(m, 1), group(m, 2)
		if idx, ok := d.labels[oldName]; ok {
			if _, dup := d.labels[newName]; !dup {
				d.labels[newName] = idx
			}
		}
	}
	return d
}

func (d *document) len() int { return len(d.lines) }

func (d *document) line(i int) string { return d.lines[i] }

func (d *document) setLine(i int, line string) {
	d.lines[i] = line
	d.cache[i] = typeNone
}

// join concatenates the document back into text, eliding empty lines.
func (d *document) join() string {
	var b strings.Builder
	for _, line := range d.lines {
		if line != "" {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func classifyLine(line string) lineType {
	// ';' may hide a second instruction; refuse to classify.
	if strings.Contains(line, ";") {
		return typeUnknown
	}
	if isLabelLine(line) {
		return typeLabel
	}
	key, rest := splitInstruction(line)
	if key == "" {
		return typeNotusePreserve
	}
	switch key {
	case "lock", "rep", "repz", "repnz":
		if rest == "" {
			if key == "lock" || key == "rep" {
				return typeNotusePreserve
			}
			return typeUnknown
		}
		t := classifyLine(rest)
		// repz/repnz read ZF, upgrading a non-use classification.
		if key == "repz" || key == "repnz" {
			switch t {
			case typeNotusePreserve:
				t = typeUsePreserve
			case typeNotuseSet:
				t = typeUseSet
			}
		}
		return t
	}
	if strings.HasPrefix(key, ".cfi_") {
		return typeNotusePreserve
	}
	if t, ok := instructionTypes[key]; ok {
		return t
	}
	return typeUnknown
}

func (d *document) lineType(i int) lineType {
	t := d.cache[i]
	if t == typeNone {
		t = classifyLine(d.lines[i])
		d.cache[i] = t
	}
	return t
}

func (d *document) preserveFlags(i int) bool {
	t := d.lineType(i)
	return t == typeUsePreserve || t == typeNotusePreserve
}

// branchTarget extracts the destination label of a jump or branch line.
func branchTarget(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// flagNeverUsed reports whether the flag value live after line i can be
// proved dead. It walks forward, following unconditional jumps through
// the label table; anything it cannot prove makes it answer false.
func (d *document) flagNeverUsed(i int) bool {
	visited := make(map[string]bool)
	for i+1 < len(d.lines) {
		i++
		switch d.lineType(i) {
		case typeJmp:
			dest := branchTarget(d.lines[i])
			if visited[dest] {
				// Re-entering a visited label: a dead loop never
				// reads the flags.
				return true
			}
			desti, ok := d.labels[dest]
			if !ok {
				return false
			}
			visited[dest] = true
			i = desti
		case typeLabel:
			visited[d.lines[i][:len(d.lines[i])-1]] = true
		case typeRet:
			// No return value is carried in flags.
			return true
		case typeCall:
			// No argument is carried in flags.
			return true
		case typeHalt:
			return true
		case typeNotuseSet:
			return true
		case typeNotusePreserve:
			// Keep walking.
		default:
			return false
		}
	}
	// Reached EOF; assume the flags escape.
	return false
}

// getFlagUsers visits every line that may consume the flags produced at
// line i, calling callback with each candidate index. The callback
// returns whether the rewrite it stands for is acceptable. A false
// return from getFlagUsers invalidates the whole walk: the caller must
// discard any partial work, including earlier callback decisions.
//
// Line i itself must not be a branch.
func (d *document) getFlagUsers(i int, callback func(j int) bool) bool {
	for i+1 < len(d.lines) {
		i++
		switch d.lineType(i) {
		case typeRet, typeCall, typeHalt:
			return true
		case typeJcc:
			if !callback(i) {
				return false
			}
			// The flags stay live across the branch; its destination
			// must be proved non-using.
			desti, ok := d.labels[branchTarget(d.lines[i])]
			if !ok {
				return false
			}
			if !d.flagNeverUsed(desti) {
				return false
			}
		case typeJmp:
			desti, ok := d.labels[branchTarget(d.lines[i])]
			if !ok {
				return false
			}
			return d.flagNeverUsed(desti)
		case typeLabel:
			// Control may enter here from elsewhere; only safe if the
			// flags are dead at this point.
			return d.flagNeverUsed(i)
		case typeUsePreserve:
			if !callback(i) {
				return false
			}
		case typeUseSet:
			return callback(i)
		case typeNotusePreserve:
			// Keep walking.
		case typeNotuseSet:
			return true
		default:
			return false
		}
	}
	return true
}

// flagUsers collects the indices of every possible flag user, or nil if
// the walk could not be completed safely.
func (d *document) flagUsers(i int) []int {
	var users []int
	if !d.getFlagUsers(i, func(j int) bool {
		users = append(users, j)
		return true
	}) {
		return nil
	}
	return users
}
