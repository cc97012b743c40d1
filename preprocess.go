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
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// The preprocessor compresses contiguous constant data into opaque
// placeholders and canonicalizes directive/instruction spellings so the
// later passes can use tight patterns. Every operation is idempotent
// after its first application.

// "common" implies a label and cannot be included.
const dataDirectives = `byte|value|long|quad|zero|string|ascii`

const compressedPlaceholder = "\t.COMPRESSED\n"

// Constant data and strings only; no labels.
var dataBlockPattern = regexp2.MustCompile(
	`^(\s*\.(`+dataDirectives+`)\s+(-?\d+|-?0x[\da-fA-F]+|"[^\n]*")\n)+`,
	regexp2.Multiline)

func canonicalizeAlign(m *regexp2.Match) string {
	n, err := strconv.Atoi(group(m, 1))
	if err != nil || n <= 0 || n&(n-1) != 0 {
		return m.String()
	}
	k := 0
	for n > 1 {
		n >>= 1
		k++
	}
	return fmt.Sprintf("\t.p2align %d", k)
}

func canonicalizeCc(m *regexp2.Match) string {
	return "\t" + group(m, 1) + ccCanonical[group(m, 2)]
}

var canonicalizations = []rewriteRule{
	// Remove trailing spaces.
	rule(`[ \t]+$`, ""),
	// Reduce any leading whitespace to a single tab. (Hereinafter every
	// instruction is assumed to be preceded by exactly one tab, which
	// keeps the patterns fast.)
	rule(`^[ \t]+`, "\t"),
	// Remove comments and empty lines.
	rule(`^((\t?#.*)?\n)+`, ""),

	// Keep a single tab between mnemonic and operands.
	rule(`^(\t\w+)[ \t]+`, "$1\t"),

	// Canonicalize ".align"/".balign" to ".p2align" — but not when the
	// block below is data, where .align takes a byte count.
	ruleFunc(`^\t\.b?align[ \t]+(\d+)$(?!\n(?:\t\.(?:size|type|b?align|p2align)[ \t].*\n|[.\w]+:\n)*\t\.(?:COMPRESSED|byte|string|ascii|value|long|quad|zero))`,
		canonicalizeAlign),
	// Keep a single space after ".p2align" (aligns with GCC output).
	rule(`^\t\.p2align[ \t]+`, "\t.p2align "),
	// ".p2align 4,,15" is equivalent to ".p2align 4".
	rule(`^\t\.p2align 4,,15$`, "\t.p2align 4"),

	// Canonicalize repe/repne to repz/repnz.
	rule(`^\t(repn?)e[;\s]`, "\t${1}z\t"),

	// Strip ';' after rep*/lock prefixes.
	rule(`^\t(rep(n?z)?|lock)[;\n\t ]+`, "\t$1\t"),

	// Canonicalize condition-code aliases on j/cmov/set.
	ruleFunc(`^\t(j|cmov|set)(`+ccAlternation(aliasCcSet())+`)(?=\t)`, canonicalizeCc),
	// Replace "sal" with "shl" (restored on output).
	rule(`^\tsal(?=[bwlq]?\t)`, "\tshl"),
}

func aliasCcSet() map[string]bool {
	s := make(map[string]bool, len(ccCanonical))
	for cc := range ccCanonical {
		s[cc] = true
	}
	return s
}

// Revert spellings to the assembler's preferred form to reduce diffs.
var backCanonicalizations = []rewriteRule{
	rule(`^\t(rep|lock)\t`, "\t$1 "),
	rule(`^\tshl([bwlq]?)\t`, "\tsal$1\t"),
}

// preprocessor retains the extracted data blocks for restoration.
type preprocessor struct {
	data []string
}

// preprocess compresses data blocks and canonicalizes contents.
func preprocess(contents string) (string, *preprocessor) {
	p := &preprocessor{}
	out, err := dataBlockPattern.ReplaceFunc(contents, func(m regexp2.Match) string {
		p.data = append(p.data, m.String())
		return compressedPlaceholder
	}, -1, -1)
	if err == nil {
		contents = out
	}
	contents = applyRules(contents, canonicalizations)
	return contents, p
}

// restore undoes the output-facing canonicalizations and re-splices the
// stashed data blocks in order.
func (p *preprocessor) restore(contents string) (string, error) {
	contents = applyRules(contents, backCanonicalizations)
	parts := strings.Split(contents, compressedPlaceholder)
	if len(parts) != len(p.data)+1 {
		return "", fmt.Errorf("data placeholder count changed: %d placeholders, %d blocks",
			len(parts)-1, len(p.data))
	}
	var b strings.Builder
	for i, part := range parts {
		b.WriteString(part)
		if i < len(p.data) {
			b.WriteString(p.data[i])
		}
	}
	return b.String(), nil
}
