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
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/samber/lo"
)

// Identical code folding: function-shaped regions with the same
// section, alignment and body collapse into one synthetic function,
// with ".set" aliases preserving every original name. This assumes no
// code compares the addresses of two functions, and is only useful
// under LTO, so it stays opt-in.

var icfFunctionPattern = regexp2.MustCompile(
	`^\t(?<section>\.section\t\.text\.[\.\w]+|\.text)\n`+
		`\t(?<align>\.(p2|b)?align [\d,]+)\n`+
		`\t\.type[ \t](?<f>[\w\.]+),\s*@function\n`+
		`\k<f>:\n`+
		`(?<code>(\n|\t\.cfi[\w,-\. \t]+\n|[\w\.]+:\n|\t[^\.\n][^\n]*\n){1,20})`+
		`\t\.size[ \t]\k<f>, \.-\k<f>\n`, regexp2.Multiline)

type icfKey struct {
	section string
	align   string
	code    string
}

type icfRegion struct {
	key  icfKey
	name string
	lo   int
	hi   int
}

type icfReplacement struct {
	lo   int
	hi   int
	text string
}

func identicalCodeFold(contents string) string {
	var regions []icfRegion
	for _, m := range findAllMatches(icfFunctionPattern, contents) {
		regions = append(regions, icfRegion{
			key: icfKey{
				section: groupName(m, "section"),
				align:   groupName(m, "align"),
				code:    groupName(m, "code"),
			},
			name: groupName(m, "f"),
			lo:   m.Index,
			hi:   m.Index + m.Length,
		})
	}

	buckets := lo.GroupBy(regions, func(r icfRegion) icfKey { return r.key })

	var replaceList []icfReplacement
	for key, bucket := range buckets {
		if len(bucket) < 2 {
			continue
		}
		sum := md5.Sum([]byte(key.section + key.align + key.code))
		identifier := ".L_hackasICF_" + hex.EncodeToString(sum[:])
		var b strings.Builder
		b.WriteString("\t" + key.section + "\n\t" + key.align + "\n")
		b.WriteString("\t.type\t" + identifier + ", @function\n")
		b.WriteString(identifier + ":\n")
		b.WriteString(key.code)
		b.WriteString("\t.size\t" + identifier + ", .-" + identifier + "\n")
		for _, r := range bucket {
			b.WriteString("\t.set\t" + r.name + "," + identifier + "\n")
		}
		replacement := b.String()
		for _, r := range bucket {
			replaceList = append(replaceList, icfReplacement{lo: r.lo, hi: r.hi, text: replacement})
			replacement = "" // the body is emitted once
		}
	}

	if len(replaceList) == 0 {
		return contents
	}
	sort.Slice(replaceList, func(i, j int) bool { return replaceList[i].lo < replaceList[j].lo })
	var b strings.Builder
	copied := 0
	for _, r := range replaceList {
		b.WriteString(contents[copied:r.lo])
		b.WriteString(r.text)
		copied = r.hi
	}
	b.WriteString(contents[copied:])
	return b.String()
}
