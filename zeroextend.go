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
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// The zero-extension tracker walks the document once, keeping for every
// general-purpose register an upper bound on the number of meaningful
// low-order bits it holds (64 = unknown, 0 = known zero). The bound is
// never allowed to claim more than is provable: any instruction the
// tracker does not understand resets the affected registers, or the
// whole vector.

// Instructions that affect no GPR (though they may modify flags).
var zeNoaffectKeys = buildKeySet(func(add func(...string)) {
	add(".p2align", ".align", ".balign")
	add(bwlqVariants("nop")...)
	add(ccSuffixed("j")...)
	add("push", "pushl", "pushq", "pushf")
	add(bwlqVariants("cmp", "test")...)
})

var zeResetKeys = buildKeySet(func(add func(...string)) {
	add(product([]string{"jmp", "ret"}, []string{"", "l", "q"})...)
	add("cpuid", "ud2", "ud2a", "hlt")
})

var zeBitsResultKeys = buildKeySet(func(add func(...string)) {
	add(bwlqVariants("bsf", "bsr", "lzcnt", "tzcnt", "popcnt")...)
})

// Simple arithmetic: no side effect beyond the destination and flags.
var zeSimpleArithKeys = buildKeySet(func(add func(...string)) {
	add(bwlqVariants("lea", "add", "sub", "inc", "dec", "adc", "sbb")...)
	add(bwlqVariants("xor", "and", "or", "andn")...)
	add(bwlqVariants("rol", "ror", "shl", "shr", "sar", "shrx", "sarx", "shlx")...)
	add(bwlqVariants("not", "neg")...)
	add(bwlqVariants("crc32")...)
	add("bswap", "bswapl", "bswapq")
	add(avx("movd", "movq", "pextrb", "pextrw", "pextrd", "pextrq")...) // XMM->GPR
	add(avx(product([]string{"cvt", "cvtt"}, []string{"sd2si", "ss2si"})...)...)
	add(avx("pmovmskb", "movmskps")...)
})

var zeCmovKeys = buildKeySet(func(add func(...string)) {
	add(ccSuffixed("cmov")...)
})

// SIMD instructions that never clobber a GPR.
var zeIgnoreSimdKeys = buildKeySet(func(add func(...string)) {
	add(avx("movaps", "movups", "movdqa", "movdqu", "movapd", "movupd")...)
	add(avx(product([]string{"and", "or", "xor", "add", "sub"}, []string{"sd", "ss", "pd", "ps"})...)...)
	add(avx(product([]string{"padd", "psub", "pmaxu", "pmaxs"}, chars("bwdq"))...)...)
})

// With a memory destination these clobber no GPR.
var zeMemoryDstOkKeys = buildKeySet(func(add func(...string)) {
	add(bwlqVariants("mov", "add", "sub", "inc", "dec")...)
	add(bwlqVariants("cmp", "test")...)
})

func buildKeySet(fill func(add func(...string))) map[string]bool {
	m := make(map[string]bool)
	fill(func(ins ...string) {
		for _, s := range ins {
			m[s] = true
		}
	})
	return m
}

// On x32 these libc/runtime functions return pointers, which fit 32 bits.
var pointerReturningFunctions = buildKeySet(func(add func(...string)) {
	names := []string{
		"memcpy", "memmove", "mempcpy",
		"strchr", "strrchr", "memchr", "memrchr", "strdup", "strpbrk", "stpcpy",
		"strstr", "memmem",
		"malloc", "calloc", "realloc",
		"memalign", "aligned_alloc", "mmap",
		"realpath", "getenv",
		"__errno_location",
		"_Znwj", "_Znaj", // operator new, new[] (ILP32 mangling)
		"__cxa_allocate_exception",
		"__cxa_begin_catch",
		// gnumake plugin API
		"gmk_alloc",
	}
	add(product(names, []string{"", "@plt", "@PLT"})...)
})

var amd64CallPreserved = [...]int{bxIdx, bpIdx, r12Idx, r13Idx, r14Idx, r15Idx}

var (
	singleRegAddressing = regexp2.MustCompile(`\(%(\w+)\)`, regexp2.None)
	immediateValue      = regexp2.MustCompile(`\A[+-]?(0x[\da-f]+|0+|[1-9]\d*)`, regexp2.None)
)

// lookAheadNoStaticAddress reports whether the displacement text before
// a register addressing is a plain integer (or empty), i.e. carries no
// symbol whose value could push the address out of 32 bits.
func lookAheadNoStaticAddress(s string) bool {
	if k := strings.LastIndexByte(s, ','); k >= 0 {
		s = s[k+1:]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	_, err := strconv.ParseInt(s, 0, 64)
	return err == nil
}

type zeroExtend struct {
	x32      bool
	lp64     bool
	z32      func(name string) []int
	state    [numRegs]int
	defaults [numRegs]int
}

func newZeroExtend(opt *options, contents string) *zeroExtend {
	ze := &zeroExtend{
		x32:  opt.abi == abiX32,
		lp64: opt.abi == abi64,
	}
	if ze.x32 {
		ze.z32 = analyzeCxxPrototypes(contents)
	}
	for i := range ze.defaults {
		ze.defaults[i] = 64
	}
	if ze.x32 {
		ze.defaults[spIdx] = 32
	}
	ze.state = ze.defaults
	return ze
}

func (ze *zeroExtend) reset() {
	ze.state = ze.defaults
}

func immBits(v uint64, bits int) int {
	n := 0
	for x := v; x != 0; x >>= 1 {
		n++
	}
	return min(n, bits)
}

// parseImmediate parses the immediate at the start of s (without the
// leading '$'), reducing negative values modulo the destination width.
func parseImmediate(s string, dstBits int) (text string, value uint64, ok bool) {
	m := matchLine(immediateValue, s)
	if m == nil {
		return "", 0, false
	}
	text = m.String()
	v, err := strconv.ParseInt(text, 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(text, 0, 64)
		if uerr != nil {
			return "", 0, false
		}
		return text, u, true
	}
	if v < 0 {
		if dstBits < 64 && -v > 1<<(dstBits-1) {
			// Out of range for the operand; leave it alone.
			return "", 0, false
		}
		mask := ^uint64(0)
		if dstBits < 64 {
			mask = 1<<dstBits - 1
		}
		return text, uint64(v) & mask, true
	}
	return text, uint64(v), true
}

// feed processes one line, returning a rewritten line and true when the
// line should change (an empty rewritten line deletes it).
// flagNeverUsed answers whether the flags this line produces are dead.
func (ze *zeroExtend) feed(line string, flagNeverUsed func() bool) (string, bool) {
	res := ""
	changed := false

	if strings.Contains(line, ";") {
		ze.reset()
		return "", false
	}

	if strings.HasSuffix(line, ":") {
		ze.reset()
		if ze.x32 && ze.z32 != nil {
			for _, reg := range ze.z32(line[:len(line)-1]) {
				ze.state[reg] = 32
			}
		}
		return "", false
	}

	key, operand := splitInstruction(line)
	if key == "" {
		return "", false
	}

	if key == ".loc" || strings.HasPrefix(key, ".cfi_") {
		return "", false
	}

	// Single-register addressing on x32: once the register provably
	// fits the address space, the 64-bit form avoids a 0x67 prefix.
	// Needs a plain integer displacement: array(%eax) must keep the
	// 32-bit form in case %eax is a small negative index.
	if ze.x32 && operand != "" && strings.Contains(operand, "(%") {
		if m := matchLine(singleRegAddressing, operand); m != nil {
			reg := group(m, 1)
			idx := m.Index
			bound := 64
			if regs32[reg] {
				bound = ze.state[regIndexBits[reg].index]
			}
			if regs32[reg] && bound <= 32 &&
				(bound <= 31 || lookAheadNoStaticAddress(operand[:idx])) {
				operand = operand[:idx] + "(%" + regTo64[reg] + ")" + operand[idx+m.Length:]
				line = "\t" + key + "\t" + operand
				res, changed = line, true
			}
		}
	}

	if zeResetKeys[key] {
		ze.reset()
		return res, changed
	}

	// Regular x86-64 calling convention.
	if key == "call" || key == "calll" || key == "callq" {
		old := ze.state
		ze.reset()
		if ze.lp64 || ze.x32 {
			for _, ri := range amd64CallPreserved {
				ze.state[ri] = old[ri]
			}
			if ze.x32 && pointerReturningFunctions[operand] {
				ze.state[axIdx] = 32
			}
		}
		return res, changed
	}

	// Linux syscalls clobber rax, rcx and r11.
	if key == "syscall" && (ze.lp64 || ze.x32) {
		ze.state[axIdx] = 64
		ze.state[cxIdx] = 64
		ze.state[r11Idx] = 64
		return res, changed
	}

	if key == "cltq" {
		if ze.state[axIdx] < 32 {
			return "", true
		}
		ze.state[axIdx] = 64
		return res, changed
	}

	if zeIgnoreSimdKeys[key] {
		return res, changed
	}

	if strings.HasSuffix(operand, ")") && zeMemoryDstOkKeys[key] {
		return res, changed
	}

	// Extract the destination register.
	if len(operand) < 3 {
		if !zeNoaffectKeys[key] {
			ze.reset()
		}
		return res, changed
	}
	percentPos := strings.LastIndexByte(operand, '%')
	var dstS string
	var dst, dstBits int
	if percentPos >= 0 && (percentPos == 0 || strings.IndexByte(" \t,", operand[percentPos-1]) >= 0) {
		if info, ok := regIndexBits[operand[percentPos+1:]]; ok {
			dstS = operand[percentPos+1:]
			dst, dstBits = info.index, info.bits
		}
	}
	if dstS == "" {
		if !zeNoaffectKeys[key] {
			ze.reset()
		}
		return res, changed
	}

	// Source register, if any.
	src := -1
	srcBits := 0
	if strings.HasPrefix(operand, "%") && operand[1:] != dstS {
		for _, l := range []int{2, 3, 4} {
			if len(operand) > l {
				name := operand[1 : l+1]
				if info, ok := regIndexBits[name]; ok &&
					(len(operand) == l+1 || strings.IndexByte(", \t", operand[l+1]) >= 0) {
					src, srcBits = info.index, info.bits
					break
				}
			}
		}
	}

	// Source immediate, if any.
	var srcImm uint64
	hasImm := false
	immS := ""
	if strings.HasPrefix(operand, "$") {
		immS, srcImm, hasImm = parseImmediate(operand[1:], dstBits)
	}

	sr := &ze.state
	switch {
	case key == "mov" || key == "movb" || key == "movw" || key == "movl" ||
		key == "movq" || key == "movabs" || key == "movabsq":
		switch {
		case dst == src && dstBits == 32 && srcBits == 32 && sr[dst] <= 32:
			// "mov %r32,%r32" of an already-zero-extended register.
			res, changed = "", true
		case dstBits == 64 && src >= 0 && sr[src] <= 32 && regsLo[regNames64[src]] && regsLo[regNames64[dst]]:
			sr[dst] = sr[src]
			res, changed = "\tmov\t%"+regNames32[src]+",%"+regNames32[dst], true
		case hasImm && srcImm == 0 && flagNeverUsed():
			// "mov $0, %reg" => "xor %reg, %reg" (GCC emits the former
			// when flags must be preserved; here they are dead).
			var reg string
			if dstBits >= 32 {
				reg = regNames32[dst]
				sr[dst] = 0
			} else {
				reg = dstS
				if sr[dst] <= dstBits {
					sr[dst] = 0
				}
			}
			res, changed = "\txor\t%"+reg+",%"+reg, true
		case dstBits == 32 || dstBits == 64:
			if src >= 0 {
				sr[dst] = min(dstBits, sr[src])
			} else if hasImm {
				ib := immBits(srcImm, dstBits)
				sr[dst] = ib
				if dstBits == 64 && ib <= 32 {
					res, changed = "\tmov\t$"+immS+",%"+regNames32[dst], true
				}
			} else {
				sr[dst] = dstBits
			}
		default:
			sr[dst] = max(sr[dst], dstBits)
		}

	case key == "movzbl" || key == "movzwl":
		if src >= 0 && sr[src] <= srcBits {
			if src == dst {
				res, changed = "", true
			} else {
				res, changed = "\tmov\t%"+regNames32[src]+",%"+dstS, true
				sr[dst] = sr[src]
			}
		} else {
			// srcBits may be 0 when the source is memory.
			if key == "movzbl" {
				sr[dst] = 8
			} else {
				sr[dst] = 16
			}
		}

	case key == "movslq":
		if src >= 0 && sr[src] < 32 {
			if src == dst {
				res, changed = "", true
			} else {
				res, changed = "\tmov\t%"+regNames32[src]+",%"+regNames32[dst], true
				sr[dst] = sr[src]
			}
		} else {
			sr[dst] = 64
		}

	case (key == "xor" || key == "xorl" || key == "xorq") && dst == src &&
		(dstBits == 32 || dstBits == 64):
		if sr[dst] == 0 && flagNeverUsed() {
			// Already zero.
			res, changed = "", true
		} else {
			if dstBits == 64 && regsLo[regNames64[dst]] {
				reg32 := regNames32[dst]
				res, changed = "\txor\t%"+reg32+",%"+reg32, true
			}
			sr[dst] = 0
		}

	case (key == "xor" || key == "xorl" || key == "xorq") && hasImm && srcImm == 65535 &&
		(dstBits == 32 || dstBits == 64) && sr[dst] <= 32 && flagNeverUsed():
		// "xor $65535,%r32" => "not %r16"
		res, changed = "\tnot\t%"+regNames16[dst], true
		sr[dst] = max(sr[dst], 16)

	case (key == "shr" || key == "shrq") && dstBits == 64 && src < 0 && sr[dst] <= 32 &&
		(!hasImm || srcImm < 32):
		// "shr %r64" => "shr %r32". Not when the count is %cl: counts
		// are taken modulo the operand width, which then differs.
		r := "\tshr\t"
		if hasImm {
			r += "$" + immS + ","
		}
		r += "%" + regNames32[dst]
		res, changed = r, true
		shift := 1
		if hasImm {
			shift = int(srcImm)
		}
		sr[dst] = max(0, sr[dst]-shift)

	case (key == "shr" || key == "shrl") && dstBits == 32 && src < 0 &&
		(!hasImm || srcImm < 32):
		shift := 1
		if hasImm {
			shift = int(srcImm)
		}
		sr[dst] = max(0, min(32, sr[dst])-shift)

	case (key == "and" || key == "andl" || key == "andq") && (dstBits == 32 || dstBits == 64) &&
		hasImm && (srcImm == 255 || srcImm == 65535 || srcImm == 0xffffffff) && flagNeverUsed():
		// A whole-byte/word/dword mask is a zero extension.
		res, changed = "", true
		switch srcImm {
		case 255:
			if sr[dst] > 8 {
				res = "\tmovzbl\t%" + regNames8[dst] + ",%" + regNames32[dst]
				sr[dst] = 8
			}
		case 65535:
			if sr[dst] > 16 {
				res = "\tmovzwl\t%" + regNames16[dst] + ",%" + regNames32[dst]
				sr[dst] = 16
			}
		case 0xffffffff:
			if sr[dst] > 32 {
				res = "\tmov\t%" + regNames32[dst] + ",%" + regNames32[dst]
				sr[dst] = 32
			}
		}

	case (key == "and" || key == "andl" || key == "andq") && hasImm:
		ib := immBits(srcImm, dstBits)
		sr[dst] = min(sr[dst], ib)
		if ib <= 32 && dstBits == 64 && regsLo[regNames64[dst]] {
			// SF is unaffected: a 32-bit immediate with its top bit set
			// cannot be encoded in the 64-bit instruction anyway.
			res, changed = "\tand\t$"+immS+",%"+regNames32[dst], true
		}

	case (key == "and" || key == "andl" || key == "andq") && src >= 0:
		sr[dst] = min(sr[dst], sr[src])

	case (key == "test" || key == "testl" || key == "testq") && dstBits > 8 &&
		hasImm && srcImm <= 255:
		res, changed = "\ttest\t$"+immS+",%"+regNames8[dst], true

	case (key == "test" || key == "testq") && dstBits == 64 && hasImm &&
		regsLo[regNames64[dst]] && srcImm < 1<<32:
		res, changed = "\ttest\t$"+immS+",%"+regNames32[dst], true

	case (key == "cmp" || key == "cmpb" || key == "cmpw" || key == "cmpl" || key == "cmpq") &&
		hasImm && srcImm == 0:
		// "cmp $0, %reg" produces the same flags as "test %reg,%reg".
		res, changed = "\ttest\t%"+dstS+",%"+dstS, true

	case (key == "shl" || key == "sal" || key == "shlq" || key == "salq") &&
		dstBits == 64 && src < 0:
		switch {
		case hasImm && (int(srcImm)+sr[dst] < 32 ||
			(int(srcImm)+sr[dst] == 32 && flagNeverUsed())):
			// shlq => shll; the == 32 case changes SF, hence the check.
			sr[dst] += int(srcImm)
			res, changed = "\tsall\t$"+immS+",%"+regNames32[dst], true
		case !hasImm && (1+sr[dst] < 32 || (1+sr[dst] == 32 && flagNeverUsed())):
			// Shift by an implicit 1.
			sr[dst]++
			res, changed = "\tsall\t%"+regNames32[dst], true
		default:
			sr[dst] = 64
		}

	case zeBitsResultKeys[key]: // bsf/bsr/tzcnt/lzcnt/popcnt
		sr[dst] = 7

	case zeSimpleArithKeys[key]:
		if dstBits == 32 || dstBits == 64 {
			sr[dst] = dstBits
		} else {
			sr[dst] = max(sr[dst], dstBits)
		}

	case zeCmovKeys[key]:
		if src >= 0 && srcBits == 64 && dstBits == 64 && sr[dst] <= 32 && sr[src] <= 32 {
			// Both sides already fit 32 bits.
			res, changed = "\t"+key+"\t%"+regNames32[src]+",%"+regNames32[dst], true
			sr[dst] = max(sr[dst], sr[src])
		} else {
			// A cmov to %r32 does not clear high bits unless it moves.
			sr[dst] = max(sr[dst], dstBits)
		}

	case zeNoaffectKeys[key]:

	default:
		ze.reset()
	}

	return res, changed
}
