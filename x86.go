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

// General-purpose register families, ordered 8/16/32/64-bit.
// The first eight ("lo") are encodable without a REX prefix.
var regsLoList = [][4]string{
	{"al", "ax", "eax", "rax"},
	{"dl", "dx", "edx", "rdx"},
	{"cl", "cx", "ecx", "rcx"},
	{"bl", "bx", "ebx", "rbx"},
	{"sil", "si", "esi", "rsi"},
	{"dil", "di", "edi", "rdi"},
	{"bpl", "bp", "ebp", "rbp"},
	{"spl", "sp", "esp", "rsp"},
}

var regsHiList = [][4]string{
	{"r8b", "r8w", "r8d", "r8"},
	{"r9b", "r9w", "r9d", "r9"},
	{"r10b", "r10w", "r10d", "r10"},
	{"r11b", "r11w", "r11d", "r11"},
	{"r12b", "r12w", "r12d", "r12"},
	{"r13b", "r13w", "r13d", "r13"},
	{"r14b", "r14w", "r14d", "r14"},
	{"r15b", "r15w", "r15d", "r15"},
}

var regsList = append(append([][4]string{}, regsLoList...), regsHiList...)

// Family indices into the zero-extension state vector.
const (
	axIdx = iota
	dxIdx
	cxIdx
	bxIdx
	siIdx
	diIdx
	bpIdx
	spIdx
	r8Idx
	r9Idx
	r10Idx
	r11Idx
	r12Idx
	r13Idx
	r14Idx
	r15Idx
	numRegs
)

var (
	regs64 = map[string]bool{}
	regs32 = map[string]bool{}
	regs16 = map[string]bool{}
	regs8  = map[string]bool{}

	// Every spelling of a first-eight register.
	regsLo = map[string]bool{}

	regBits = map[string]int{}

	regTo64 = map[string]string{}
	regTo32 = map[string]string{}
	regTo16 = map[string]string{}
	regTo8  = map[string]string{}

	// Any register spelling to (family index, operand width).
	regIndexBits = map[string]regInfo{}

	// Canonical spelling per family, by width.
	regNames8  [numRegs]string
	regNames16 [numRegs]string
	regNames32 [numRegs]string
	regNames64 [numRegs]string
)

type regInfo struct {
	index int
	bits  int
}

var bwlqSuffix = map[int]string{8: "b", 16: "w", 32: "l", 64: "q"}

func init() {
	for i, regs := range regsList {
		b, w, l, q := regs[0], regs[1], regs[2], regs[3]
		regs8[b] = true
		regs16[w] = true
		regs32[l] = true
		regs64[q] = true
		regNames8[i] = b
		regNames16[i] = w
		regNames32[i] = l
		regNames64[i] = q
		for reg, bits := range map[string]int{b: 8, w: 16, l: 32, q: 64} {
			regBits[reg] = bits
			regTo64[reg] = q
			regTo32[reg] = l
			regTo16[reg] = w
			regTo8[reg] = b
			regIndexBits[reg] = regInfo{index: i, bits: bits}
			if i < len(regsLoList) {
				regsLo[reg] = true
			}
		}
	}
}

// ccCanonical maps condition-code alias spellings to canonical ones
// (jc => jb, jnae => jb, jz => je, ...).
var ccCanonical = map[string]string{
	"c":   "b",
	"na":  "be",
	"nae": "b",
	"nb":  "ae",
	"nbe": "a",
	"nc":  "ae",
	"ng":  "le",
	"nge": "l",
	"nl":  "ge",
	"nle": "g",
	"nz":  "ne",
	"pe":  "p",
	"po":  "np",
	"z":   "e",
}

// ccOpposite maps each canonical condition code to its negation.
var ccOpposite = map[string]string{
	"a":  "be",
	"ae": "b",
	"b":  "ae",
	"be": "a",
	"e":  "ne",
	"g":  "le",
	"ge": "l",
	"l":  "ge",
	"le": "g",
	"ne": "e",
	"no": "o",
	"np": "p",
	"ns": "s",
	"o":  "no",
	"p":  "np",
	"s":  "ns",
}

// ccSet is the closed universe of cc suffixes: canonical names plus aliases.
var ccSet = func() map[string]bool {
	s := make(map[string]bool, len(ccCanonical)+len(ccOpposite))
	for cc := range ccCanonical {
		s[cc] = true
	}
	for cc := range ccOpposite {
		s[cc] = true
	}
	return s
}()
