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
	"sort"
	"strings"
)

// lineType classifies a document line for the flag and zero-extension
// analyses. typeNone marks an unpopulated cache slot.
type lineType int8

const (
	typeNone lineType = iota
	typeLabel
	typeRet
	typeCall
	typeJmp
	typeJcc
	typeUsePreserve
	typeNotusePreserve
	typeUseSet
	typeNotuseSet
	typeHalt
	typeUnknown
)

func (t lineType) String() string {
	switch t {
	case typeLabel:
		return "label"
	case typeRet:
		return "ret"
	case typeCall:
		return "call"
	case typeJmp:
		return "jmp"
	case typeJcc:
		return "jcc"
	case typeUsePreserve:
		return "use-preserve"
	case typeNotusePreserve:
		return "notuse-preserve"
	case typeUseSet:
		return "use-set"
	case typeNotuseSet:
		return "notuse-set"
	case typeHalt:
		return "halt"
	case typeUnknown:
		return "unknown"
	}
	return "none"
}

// product concatenates one string from each part in every combination,
// in order. product({"a","b"},{"x","y"}) = ax, ay, bx, by.
func product(parts ...[]string) []string {
	res := []string{""}
	for _, part := range parts {
		next := make([]string, 0, len(res)*len(part))
		for _, prefix := range res {
			for _, s := range part {
				next = append(next, prefix+s)
			}
		}
		res = next
	}
	return res
}

func chars(s string) []string {
	out := make([]string, len(s))
	for i := range s {
		out[i] = s[i : i+1]
	}
	return out
}

func bwlqVariants(ins ...string) []string {
	return product(ins, []string{"", "b", "w", "l", "q"})
}

func simdFloat(ins ...string) []string {
	return product([]string{"", "v"}, ins, []string{"ps", "pd", "ss", "sd"})
}

func simdFloatPacked(ins ...string) []string {
	return product([]string{"", "v"}, ins, []string{"ps", "pd"})
}

func simdInt(ins ...string) []string {
	return product([]string{"p", "vp"}, ins, chars("bwdq"))
}

func avx(ins ...string) []string {
	return product([]string{"", "v"}, ins)
}

func ccSuffixed(prefixes ...string) []string {
	return product(prefixes, sortedKeys(ccSet))
}

// sortedKeys returns the keys longest first, then lexically, so that
// alternations built from them prefer the longest spelling.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

func ccAlternation(m map[string]bool) string {
	return strings.Join(sortedKeys(m), "|")
}

func notusePreserveInstructions() []string {
	var out []string
	add := func(ins ...string) { out = append(out, ins...) }

	add(".p2align") // alignment (implicit NOPs)
	add(".loc")
	add("bswap", "bswapl", "bswapq")
	add("cpuid")
	add("lea", "leal", "leaq")
	add("leave", "leavel", "leaveq")
	add("lfence", "mfence", "sfence")

	add(bwlqVariants("mov")...)
	add("movabs", "movabsq", "movbe")
	add("movzx", "movsx")
	add("movzbw", "movzbl", "movzwl")
	add("movsbw", "movsbl", "movsbq", "movswl", "movswq", "movslq")

	add(bwlqVariants("nop")...)
	add(product([]string{"push", "pop"}, []string{"", "l", "q"})...)
	add(bwlqVariants("xchg")...)
	add("pause")

	// String instructions.
	add(bwlqVariants("movs", "stos")...)

	add(bwlqVariants("crc32")...)
	add("rdtsc", "rdtscp")
	add("mulx", "salx", "sarx", "shlx", "shrx", "rorx")
	add("pdep", "pext")
	add(bwlqVariants("not")...)
	add("prefetch", "prefetchnta", "prefetcht0", "prefetcht1", "prefetcht2")
	add("xgetbv")

	// Most SIMD instructions.
	add(simdFloat("abs", "add", "sub", "max", "min", "mul", "div", "rcp", "sqrt", "round")...)
	add(simdFloatPacked("and", "andn", "or", "xor", "hadd", "hsub", "dp")...)
	add(avx("movss", "movsd", "movaps", "movapd", "movups", "movupd")...)
	add(avx("movdqa", "movdqu", "movd", "movq")...)
	add(avx("movsldup", "movshdup", "movddup")...)
	add(avx("movlps", "movlpd", "movhps", "movhpd")...)
	add(avx("movlhps", "movhlps")...)
	add(simdInt("insr", "extr")...)
	add(simdInt("abs", "add", "sub", "maxs", "mins", "maxu", "minu")...)
	add(simdInt("cmpgt", "cmpeq", "blend", "blendv")...)
	add(avx("blendvps", "blendvpd", "blendps", "blendpd")...)
	add(product([]string{"", "v"}, []string{"phadd", "phsub", "phsubs"}, []string{"d", "w"})...)
	add(simdInt("sll", "srl", "sra")...)
	add(avx("pmaddwd", "pmaddubsw")...)
	add(avx("pmulld", "palignr")...)
	add(product([]string{"", "v"}, []string{"pmovsx", "pmovzx"}, []string{"bw", "bd", "bq", "wd", "wq", "dq"})...)
	add(simdFloatPacked("movmsk")...)
	add(avx("pmovmskb")...)
	add(avx("pxor", "por", "pand", "pandn")...)
	add(product([]string{"", "v"}, []string{"unpcklp", "unpckhp"}, chars("sd"))...)
	add(product([]string{"", "v"}, []string{"punpckl", "punpckh"}, []string{"bw", "wd", "dq", "qdq"})...)
	add(product([]string{"", "v"}, []string{"packus", "packss"}, []string{"wb", "dw"})...)
	add(avx("lddqu")...)
	add(product([]string{"", "v"}, []string{"insertps", "extractps"})...)
	add(simdFloatPacked("shuf")...)
	add(avx("pshufb", "pshufd")...)
	add(product([]string{"", "v"}, []string{"cvt", "cvtt"}, []string{"ps2dq", "pd2dq"})...)
	add(avx("cvtdq2pd", "cvtdq2ps")...)
	add(product([]string{"", "v"}, []string{"cvtsi2ss", "cvtsi2sd"}, []string{"", "l", "q"})...)
	add(product([]string{"", "v"}, []string{"cvt", "cvtt"}, []string{"sd2si", "ss2si"}, []string{"", "l", "q"})...)
	add(product([]string{"", "v"}, []string{"cvtpd2ps", "cvtps2pd", "cvtss2sd", "cvtsd2ss"}, []string{"", "x", "y", "z"})...)
	add(product([]string{"vbroadcast"}, []string{"i128", "f128", "ss", "sd"})...)
	add(product([]string{"vpbroadcast"}, chars("bwdq"))...)
	add("vzeroupper", "vzeroall")
	add(product([]string{"vextract", "vinsert"}, []string{"i128", "f128"})...)
	add(product([]string{"vperm"}, []string{"2f128", "ilps", "ilpd"})...)
	add(product([]string{"vfm", "vfnm"}, []string{"add", "sub"}, []string{"", "132", "213", "231"}, chars("ps"), chars("sd"))...)

	return out
}

func usePreserveInstructions() []string {
	out := []string{"pushf"}
	out = append(out, ccSuffixed("cmov", "set")...)
	// jcc is handled as its own class; flags live across branches.
	return out
}

func notuseSetInstructions() []string {
	var out []string
	add := func(ins ...string) { out = append(out, ins...) }

	// Fundamental arithmetic.
	add(bwlqVariants("add", "sub", "mul", "imul", "div", "idiv", "cmp", "test",
		"and", "andn", "neg", "or", "xor", "bsf", "bsr", "bextr", "tzcnt",
		"lzcnt", "blsr", "blsi", "blsmsk", "bzhi", "inc", "dec",
		"shl", "sal", "shr", "sar", "rol", "ror")...)
	add("popf")
	add(avx("ptest")...)
	add("vtestps", "vtestpd")
	add(product([]string{"", "v"}, []string{"pcmpistr", "pcmpestr"}, chars("im"))...)
	add(product([]string{"", "v"}, []string{"", "u"}, []string{"comiss", "comisd"})...)
	add(bwlqVariants("bt", "btc", "btr", "bts")...)
	add(product([]string{"popcnt"}, []string{"", "w", "l", "q"})...)
	add("syscall") // Linux does not pass flags into syscalls
	add(bwlqVariants("cmpxchg")...)
	add("cmpxchg8b", "cmpxchg16b")
	return out
}

func useSetInstructions() []string {
	return bwlqVariants("adc", "sbb")
}

// instructionTypes is the exhaustive mnemonic dictionary. Any mnemonic
// absent from it classifies as unknown, which disables every rewrite in
// its vicinity.
var instructionTypes = buildInstructionTypes()

func buildInstructionTypes() map[string]lineType {
	m := make(map[string]lineType, 4096)
	add := func(t lineType, ins []string) {
		for _, s := range ins {
			m[s] = t
		}
	}
	add(typeUsePreserve, usePreserveInstructions())
	add(typeNotusePreserve, notusePreserveInstructions())
	add(typeUseSet, useSetInstructions())
	add(typeNotuseSet, notuseSetInstructions())
	add(typeCall, []string{"call", "calll", "callq"})
	add(typeJmp, []string{"jmp", "jmpl", "jmpq"})
	add(typeJcc, ccSuffixed("j"))
	add(typeHalt, []string{"hlt", "ud2", "ud2a"})
	add(typeRet, []string{"ret", "retl", "retq"})
	return m
}
