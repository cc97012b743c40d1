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
	"github.com/samber/lo"
)

const addressingConst = `\d+|0x[\da-fA-F]+|[A-Za-z_\.][\w.@]*`
const addressings = `[-+]?(?:` + addressingConst + `)?(?:[-+](?:` + addressingConst + `))*\((?:,?%\w+)+(?:,\d)?\)`

var bwlqBits = map[string]int{"b": 8, "w": 16, "l": 32, "q": 64}

func widthMask(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(bits) - 1
}

func subStreamlineBranches(m *regexp2.Match) string {
	return "\tj" + ccOpposite[group(m, 1)] + "\t" + group(m, 3)
}

func subFixAddMov(m *regexp2.Match) string {
	imm, err1 := strconv.ParseInt(group(m, 1), 0, 64)
	off := int64(0)
	var err2 error
	if s := group(m, 3); s != "" {
		off, err2 = strconv.ParseInt(s, 0, 64)
	}
	if err1 != nil || err2 != nil {
		return m.String()
	}
	r1, r2 := group(m, 2), group(m, 4)
	s := fmt.Sprintf("\tmov\t%d(%%%s),%%%s", imm+off, r1, r2)
	to64 := func(r string) string {
		if q, ok := regTo64[r]; ok {
			return q
		}
		return r
	}
	if to64(r1) != to64(r2) {
		s += fmt.Sprintf("\n\tadd\t$%d,%%%s", imm, r1)
	}
	return s
}

func subFixTestlToTestb(m *regexp2.Match) string {
	imm, err1 := strconv.ParseInt(group(m, 1), 0, 64)
	off, err2 := strconv.ParseInt(group(m, 2), 0, 64)
	if err1 != nil || err2 != nil {
		return m.String()
	}
	switch {
	case imm < 0x100:
		return m.String()
	case imm&0xff00 == imm:
		imm >>= 8
		off++
	case imm&0xff0000 == imm:
		imm >>= 16
		off += 2
	case imm&0xff000000 == imm:
		imm >>= 24
		off += 3
	default:
		return m.String()
	}
	return fmt.Sprintf("\ttestb\t$%d,%d", imm, off)
}

func subFixShrShl(m *regexp2.Match) string {
	bits, err := strconv.Atoi(group(m, 1))
	if err != nil {
		return m.String()
	}
	mask := int64(-1) << uint(bits)
	return fmt.Sprintf("\tand\t$%d,%s", mask, group(m, 2))
}

var simpleOnetimeFixes = []rewriteRule{
	// ".p2align 1" immediately before ".p2align 4" makes no sense.
	rule(`^\t\.p2align 1\n(?=\t\.p2align 4$)`, ""),

	// "pslld $1, %xmm" is "paddd %xmm, %xmm" with a shorter encoding.
	rule(`^\t(?<V>(?<v>v)?)pslld\t\$1, ?(?<x>%[xy]mm\d\d?)(?<y>(?(v), ?%[xy]mm\d\d?))$`,
		"\t${V}paddd\t${x},${x}${y}"),
	rule(`^\t(?<V>(?<v>v)?)psllq\t\$1, ?(?<x>%[xy]mm\d\d?)(?<y>(?(v), ?%[xy]mm\d\d?))$`,
		"\t${V}paddq\t${x},${x}${y}"),

	// Replace some operations of "pd" with "ps" (recommended by the
	// Intel optimization manual, used by ICC). Found to misfire; left
	// disabled on purpose.
	// rule(`^\t(mov[alhu]|andn?|x?or)pd\t`, "\t${1}ps\t"),

	// Remove some "insertps $15, %xmm, %xmm". Disabled on purpose.
	// rule(`^(\tv?movd\t%\w+, ?(%xmm\d\d?))\n\tv?insertps\t\$(?:15|0xe), ?\2, ?\2(, ?\2)?$`, "$1"),

	// Eliminate a jump or branch to the next instruction. Generated by
	// __builtin_unreachable() and by handwritten openssl assembly.
	rule(`^\tj(n?[espo]|[abgl]e?|mp[lq]?)\t(\.L\w+)\n(?=(?:\t\.p2align [,\d]+\n)*(?:\.L\w+:\n)*\2:$)`, ""),

	// "movq %r1,%r2; andl $imm,%r2d" only needs a 32-bit move, when
	// both registers are among the first eight.
	rule(`movq?\t%r([a-z]+), ?%r([a-z]+)(?=\n\tandl?\t\$\d+, ?%e\2)$`, "movl\t%e$1,%e$2"),

	// "mov %r1,%r2; test %r2,%r2" => test the source instead, which
	// lets a later pass drop the move.
	rule(`^(\tmov[bwlq]?\t%(\w+), ?%(\w+)\n)\ttest([bwlq]?)\t%\3, ?%\3$`, "$1\ttest$4\t%$2,%$2"),

	// "add $imm,%r1; mov off(%r1),%r2" => fold imm into the load and
	// move the add below it (r1 != r2, r2 not an MMX register).
	ruleFunc(`^\tadd[lq]?\t\$(-?\d+), ?%(\w+)\n\tmov[bwlq]?\t(-?\d*)\(%\2\), ?%((?!\2|mm\d)\w+)$`,
		subFixAddMov),

	// "testl $0x100,4(%rsp)" => "testb $0x1,5(%rsp)"; same flags.
	ruleFunc(`^\ttestl\t\$((?:0x)?[\da-fA-F]{3,}), ?(-?(?:0x)?[\dA-Fa-f]+)(?=\()`,
		subFixTestlToTestb),

	// Consecutive small stores fused b->w->l->q. GCC gained this
	// optimization; left disabled on purpose.
	// ruleFunc(`^\tmov(?<W>b)\t\$(?<i1>-?\d+), ?(?<o1>-?\d*)(?<addr>\([\w%,]+\))\n\tmovb\t\$(?<i2>-?\d+), ?(?<o2>-?\d*)\k<addr>$`, subFixConsecStore),

	// shr $IMM,%reg; shl $IMM,%reg => and $(-1<<IMM),%reg
	ruleFunc(`^\tshr[bwlq]?\t\$([1-9]|[12][0-9]|3[01]), ?([^$;\n]+)\n\tshl[bwlq]?\t\$\1, ?\2$`,
		subFixShrShl),
	rule(`^\tshr[bwlq]?\t([^$;\n]+)\n\tshl[bwlq]?\t\1$`, "\tand\t$$-2,$1"),

	// xor $IMM,%reg; and $IMM,%reg => not %reg; and $IMM,%reg
	// (IMM is typically 1.)
	rule(`^\txor([bwlq]?)\t\$(\d+), ?(%\w+)(?=\n\tand[bwlq]?\t\$\2, ?\3\n)`, "\tnot$1\t$3"),

	// "0(%rbp,%reg,1)" has a longer encoding than "(%reg,%rbp,1)";
	// ditto for %r13.
	rule(`^([\$\w \t,;]*[ \t,])0?\(%r(bp|13),%r((?!bp|13)\w+)(,1)?\)`, "$1(%r$3,%r$2)"),

	// "ud2" after an indirect jump stops the frontend from decoding
	// whatever follows. The follower must be enumerated to avoid
	// misfiring on va_start sequences from old GCC.
	rule(`^(\tjmp[lq]?[ \t]+\*[^;\n]*\n)(?=\t\.p2align|\t\.section|\t\.cfi_|[.$\w]+:\n)`, "$1\tud2\n"),

	// GCC occasionally inserts duplicate prefetch instructions.
	rule(`^(\tprefetch\w+\t[^;\n]*\n)(?:\1)+`, "$1"),

	// GCC occasionally loads a vector only to compare against it:
	//   vmovdqa (%rsi), %xmm0 ... vpcmpeqb %xmm1, %xmm0, %xmm0
	// fold the load into the compare.
	rule(`^\tv(?:movdq[au]|mov[au]p[sd])\t(?<src>[^;\n]*), ?(?<dst>%[xy]mm\d+)\n`+
		`(?<ins>(?:\tadd[bwlq]?\t\$\d+, ?%\w+\n){0,2})`+
		`\t(?<cmp>vpcmpeq[bwdq]\t|vcmpeqp[sd]\t|vcmpneqp[sd]\t|vcmpneq_oqp[sd]\t|vcmpp[sd]\t\$([0347]|12), ?)(?!\k<dst>)(?<src2>%[xy]mm\d+), ?\k<dst>, ?\k<dst>\n`,
		"\t${cmp}${src},${src2},${dst}\n${ins}"),

	// Store to the stack and reload, typical for padded struct
	// returns: forward the register instead.
	rule(`^\tmov([bwlq])\t(%\w+), ?([-\d]*\(%[er]sp\))\n\tmov\1\t\3, ?(%\w+)\n`,
		"\tmov$1\t$2,$3\n\tmov\t$2,$4\n"),

	rule(`^(\tvmov(?:[au]ps|dq[au])\t%[x-z]mm(\d+), ?([-\d]*\(%[er]sp\))\n)\tmov[lq]?\t\3, ?%(r\d+d?|[er][a-d]x|[er]bp|[er][sd]i)\n`,
		"$1\tvmovd\t%xmm$2,%$4\n"),

	// Remove self-moves (possibly created by the previous rules).
	rule(`^\tmov[bwq]?\t(%(`+selfMoveRegisters()+`)), ?\1\n`, ""),

	// mov ...,%rsp is dead when a lea from %rbp reloads it below.
	rule(`^\tmovq?\t[^;\n]+, ?%rsp\n(?=([.\w]+:\n)*\tleaq?\t-?\d*\(%rbp\), ?%rsp\n)`, ""),

	// vbroadcast+vinsert => vbroadcast to ymm. Disabled on purpose.
	// rule(`^\t(vp?broadcast([bwdq]|s[sd]))\t(?<s>%xmm\d+|`+addressings+`), ?%xmm(?<d>\d+)\n\tvinsert[if]128\t\$(0x)?1, ?%xmm\k<d>, ?%ymm\k<d>, %ymm\k<d>$`, "\t$1\t${s},%ymm${d}"),
	// vpunpcklqdq+vinserti128 => vpbroadcastq. Disabled on purpose.
	// rule(`^\tvpunpcklqdq\t%xmm(\d+), ?%xmm\1, ?%xmm(\d+)\n\tvinserti128\t\$(0x)?1, ?%xmm\2, ?%ymm\2, ?%ymm\2$`, "\tvpbroadcastq\t%xmm$1,%ymm$2"),

	// std::_Rb_tree_increment and _Rb_tree_decrement need only one
	// prototype. Disabled on purpose.
	// rule(`^\t(call[lq]?|jmp[lq]?)\t_ZSt18_Rb_tree_(de|in)crementPKSt18_Rb_tree_node_base$`, "\t$1\t_ZSt18_Rb_tree_$2crementPSt18_Rb_tree_node_base"),

	// std::exception::~exception is a no-op.
	rule(`^\tcall[lq]?\t_ZNSt9exceptionD2Ev(@PLT)?\n`, ""),
	rule(`^\tjmp[lq]?\t_ZNSt9exceptionD2Ev(@PLT)?$`, "\tret"),
}

func selfMoveRegisters() string {
	u := make(map[string]bool)
	for r := range regs8 {
		u[r] = true
	}
	for r := range regs16 {
		u[r] = true
	}
	for r := range regs64 {
		u[r] = true
	}
	return ccAlternation(u)
}

var simpleOnetimeFixesLP64 = []rewriteRule{
	// On x86-64, fopen64 and fopen alias each other.
	rule(`^(\t(?:jmp|call)q?\tfopen)64((?:@PLT|@plt)?)$`, "$1$2"),
	// free/delete accept a null pointer; the guard is pure overhead.
	rule(`^\ttestq?\t%rdi, ?%rdi\n\tje\t([\.\w]+)\n(?=\tcallq?\t(c?free|_Zd[al]Pv)(@PLT)?\n\1:\n)`, ""),
	rule(`^\ttestq?\t%rdi, ?%rdi\n\tje\t([\.\w]+)\n(?=\tjmpq?\t(c?free|_Zd[al]Pv)(@PLT)?\n(\t\.p2align [ ,\d]+\n)*\1:\n\t(rep\t)?retq?\n)`, ""),
}

var simpleOnetimeFixesX32 = []rewriteRule{
	rule(`^\ttestl?\t%edi, ?%edi\n\tje\t([\.\w]+)\n(?=\tcalll?\t(c?free|_Zd[al]Pv)(@PLT)?\n\1:\n)`, ""),
	rule(`^\ttestl?\t(%\w+), ?\1\n\tje\t([\.\w]+)\n(?=\tmovl?\t\1, ?%edi\n\tcalll?\t(c?free|_Zd[al]Pv)(@PLT)?\n\2:\n)`, ""),
}

var simpleFixesRepeat = []rewriteRule{
	// Move ".p2align" above its label so a dead label takes the
	// alignment with it.
	rule(`^(\.L\w+:\n)((?:\t\.p2align [,\d]+\n)+)`, "$2$1"),
	// The stronger alignment first.
	rule(`^(\t\.p2align 3\n)(\t\.p2align 4(?:,[,\d]+)?\n)`, "$2$1"),
	// Drop alignment directives subsumed by the previous one.
	rule(`^(\t\.p2align 4,,[1-9]\d)\n\t\.p2align 4,,\d$`, "$1"),
	rule(`^(\t\.p2align 3)\n\t\.p2align 2$`, "$1"),

	// Collapse consecutive "ret"s joined by a label.
	rule(`^\t(rep\t)?ret\n(?=(\t\.p2align [,\d]+\n)*\.L\w+:\n\t(rep\t)?ret\n)`, ""),
	rule(`^\tvzeroupper\n\t(rep\t)?ret\n(?=(\t\.p2align [,\d]+\n)*\.L\w+:\n\tvzeroupper\n\t(rep\t)?ret\n)`, ""),

	// Streamline branches:
	//       jnz .L2            jz .L3
	//       jmp .L3    ===>
	//  [.p2align...]
	// .L2:
	ruleFunc(`^\tj([agbl]e?|n?[espo])\t(\.L\w+)\n\tjmp\t([.\w]+)(?=\n(?:\t\.p2align [,\d]+\n)*\2:$)`,
		subStreamlineBranches),

	// Sweep basic blocks made unreachable by jump propagation or the
	// free/delete null-check removal.
	rule(`^\t((rep\t)?ret|jmp\t[^\n]*)\n((\t\.p2align [,\d]+\n)*(\tjmp\t[^;\n]+\n|\t(rep\t)?ret\n))+`, "\t$1\n"),
}

// Fusable conditional-branch pairs, keyed "prev\x00cur". Restricted to
// pairs that test the same flag bits: the arithmetic meaning must not
// be relied upon, or ucomiss/ucomisd and pcmpistri sequences would fuse
// incorrectly. ('a','ae') -> 'e' would be wrong: jae tests C, je tests Z.
var jmpPairs = map[string]string{
	"e\x00be": "b",
	"b\x00be": "e",
	"e\x00a":  "ae",
	"e\x00le": "l",
	"l\x00le": "e",
	"e\x00g":  "ge",
}

var (
	andqOrqMemPattern = perLine(`\t(?<ao>and|or)q\t\$(?<imm>-?\d+), ?-?\d*\([^;]+$`)

	// The b/w/l/q suffix is mandatory here; GCC always writes it.
	cmpImmPattern = perLine(`\tcmp(?<bwlq>[bwlq])\t\$(?<imm>-?[1-9][0-9]*) ?(?<o>,[^;]+)$`)

	// "cmp reg,mem" and "cmp mem,reg" both exist, but comis[sd] takes
	// no memory destination, so the two cases stay separate.
	cmpRegRegPattern = perLine(`\t(?<cmp>cmp[bwlq]?|v?comis[sd])\t(?<r1>%\w+), ?(?<r2>%\w+)$`)
	cmpRegMemPattern = perLine(`\t(?<cmp>cmp[bwlq]?)\t(?<r1>%\w+|` + addressings + `), ?(?<r2>%\w+|` + addressings + `)$`)

	aBePattern   = perLine(`\t(j|cmov|set)(a|be)(\t[^;]+)$`)
	btPattern    = perLine(`\tbt([bwlq]?)\t\$(\d+), ?([^;]+)`)
	cmpZeroPattern = perLine(`\t(test[bwlq]?\t%(\w+), ?%\2|cmp[bwlq]?\t\$(0x)?0,[^;]*)$`)
	jlJgePattern = regexp2.MustCompile(`\t(cmov|j)(l|ge)\t`, regexp2.None)
	bAePattern   = perLine(`\t(j|cmov|set)(b|ae)(\t[^;]+)$`)
)

// Immediates for which "cmp $k" cannot become "cmp $k+1": the top of
// the operand range, and 0x7f where k+1 stops fitting a signed byte.
// 2^31-1 is excluded for the q suffix because of sign extension.
var skipABeConv = map[string][]uint64{
	"b": {1<<8 - 1},
	"w": {0x7f, 1<<16 - 1},
	"l": {0x7f, 1<<32 - 1},
	"q": {0x7f, 1<<31 - 1, 1<<32 - 1, ^uint64(0)},
}

var convABe = map[string]string{"a": "ae", "be": "b"}

// Used when converting "cmp $IMM,..." to "cmp $IMM+1,...".
func subABe(m *regexp2.Match) string {
	return "\t" + group(m, 1) + convABe[group(m, 2)] + group(m, 3)
}

var convABeNeg = map[string]string{"a": "b", "be": "ae"}

// Used when converting "cmp A,B" to "cmp B,A".
func subABeNeg(m *regexp2.Match) string {
	return "\t" + group(m, 1) + convABeNeg[group(m, 2)] + group(m, 3)
}

var convJlJge = map[string]string{"l": "s", "ge": "ns"}

func subJlJge(m *regexp2.Match) string {
	return "\t" + group(m, 1) + convJlJge[group(m, 2)] + " "
}

var convBAeForBt = map[string]string{"b": "ne", "ae": "e"}

func subBAeForBt(m *regexp2.Match) string {
	return "\t" + group(m, 1) + convBAeForBt[group(m, 2)] + group(m, 3)
}

var (
	labelUsePattern        = regexp2.MustCompile(`(?<![\w\n])\.L\w+`, regexp2.None)
	labelDefinitionPattern = regexp2.MustCompile(`^(\.L\w+):\n`, regexp2.Multiline)

	labelConsecLabelPattern = regexp2.MustCompile(
		`^([._A-Za-z][.\w]*):\n((?:(?:\t\.p2align [,\d]+|[._A-Za-z][.\w]*:)\n)+)`, regexp2.Multiline)
	labelImmediateJumpPattern = regexp2.MustCompile(
		`^([._A-Za-z][.\w]*):\n\tjmp\t([._A-Za-z][.\w]*)$`, regexp2.Multiline)
	// Digits-only labels must be rejected: those are relative labels.
	// uleb128 is excluded: modifying exception ranges in
	// gcc_except_table is unsafe.
	labelRefMultiPattern = regexp2.MustCompile(
		`^(\t(?:jmp|jn?[espo]|j[abgl]e?|\.quad|\.long|mov[lq]?)\t\$?)((?!\d)[.\w]+)(?=(,[^;\n]*)?$)`, regexp2.Multiline)
)

// propagateJumps redirects every reference to a label that immediately
// precedes a "jmp" (or another label) to the final destination:
//
//	     jz .L2            jz .L3
//	.L2: jmp .L3      .L2: jmp .L3
//
// A label may appear as a source or as a target of the propagation map,
// never both; that breaks cycles.
func propagateJumps(contents string) string {
	lst := make(map[string]string)
	// Consecutive labels denote the same address; redirect the later
	// ones to the first.
	for _, m := range findAllMatches(labelConsecLabelPattern, contents) {
		dst := group(m, 1)
		for _, src := range strings.Split(group(m, 2), "\n") {
			if strings.HasSuffix(src, ":") {
				lst[src[:len(src)-1]] = dst
			}
		}
	}
	for _, m := range findAllMatches(labelImmediateJumpPattern, contents) {
		src, dst := group(m, 1), group(m, 2)
		if to, ok := lst[dst]; ok {
			lst[src] = to
		} else {
			lst[src] = dst
		}
	}
	for _, lbl := range lo.Intersect(lo.Uniq(lo.Values(lst)), lo.Keys(lst)) {
		delete(lst, lbl)
	}
	out, err := labelRefMultiPattern.ReplaceFunc(contents, func(m regexp2.Match) string {
		lbl := group(&m, 2)
		if to, ok := lst[lbl]; ok {
			return group(&m, 1) + to
		}
		return m.String()
	}, -1, -1)
	if err != nil {
		return contents
	}
	return out
}

type genericRewriter struct {
	opt *options
}

// removeUnusedLabels deletes every local label definition that nothing
// references; this clears the way for the flag analyses.
func (g *genericRewriter) removeUnusedLabels(contents string) string {
	used := make(map[string]bool)
	for _, m := range findAllMatches(labelUsePattern, contents) {
		used[m.String()] = true
	}
	out, err := labelDefinitionPattern.ReplaceFunc(contents, func(m regexp2.Match) string {
		if used[group(&m, 1)] {
			return m.String()
		}
		return ""
	}, -1, -1)
	if err != nil {
		return contents
	}
	return out
}

// convertJmpRet turns "jmp .Lx" into "ret" when .Lx labels a ret.
func (g *genericRewriter) convertJmpRet(contents string) string {
	retLabelPattern := regexp2.MustCompile(`^(\.\w+):\n\t(?:rep\t)?ret[lq]?$`, regexp2.Multiline)
	var labels []string
	for _, m := range findAllMatches(retLabelPattern, contents) {
		labels = append(labels, strings.ReplaceAll(group(m, 1), ".", `\.`))
	}
	if len(labels) == 0 {
		return contents
	}
	convertPattern := regexp2.MustCompile(
		`^\tjmp[lq]?\t(`+strings.Join(labels, "|")+`)$`, regexp2.Multiline)
	out, err := convertPattern.Replace(contents, "\tret", -1, -1)
	if err != nil {
		return contents
	}
	return out
}

// optimizeForUnreachable removes jumps to labels immediately followed
// by ".cfi_endproc"; those come from __builtin_unreachable().
func (g *genericRewriter) optimizeForUnreachable(contents string) string {
	unreachablePattern := regexp2.MustCompile(`^(\.L\w+):\n\t\.cfi_endproc\n`, regexp2.Multiline)
	var labels []string
	for _, m := range findAllMatches(unreachablePattern, contents) {
		labels = append(labels, strings.ReplaceAll(group(m, 1), ".", `\.`))
	}
	if len(labels) == 0 {
		return contents
	}
	ccAlt := ccAlternation(func() map[string]bool {
		s := make(map[string]bool, len(ccOpposite))
		for cc := range ccOpposite {
			s[cc] = true
		}
		return s
	}())
	eliminatePattern := regexp2.MustCompile(
		`^\tj(mp[lq]?|`+ccAlt+`)\t(`+strings.Join(labels, "|")+`)\n`, regexp2.Multiline)
	out, err := eliminatePattern.Replace(contents, "", -1, -1)
	if err != nil {
		return contents
	}
	return out
}

// removeEmptySections keeps only the last of consecutive section
// specifiers. Lines carrying flags like "ax",@progbits never match.
func (g *genericRewriter) removeEmptySections(contents string) string {
	pattern := regexp2.MustCompile(
		`^((\t\.section\t[\w\.]+\n|\t\.data\n|\t\.text\n){2,})`, regexp2.Multiline)
	out, err := pattern.ReplaceFunc(contents, func(m regexp2.Match) string {
		s := group(&m, 1)
		trimmed := strings.TrimSuffix(s, "\n")
		if idx := strings.LastIndexByte(trimmed, '\n'); idx >= 0 {
			return s[idx+1:]
		}
		return s
	}, -1, -1)
	if err == nil {
		contents = out
	}
	// Text sections allow a more aggressive sweep.
	pattern = regexp2.MustCompile(
		`^((\t\.section\t\.text(\.[\w\.]+)?\n|\t\.text|\.(b|p2)?align [\d,]+\n)+)(?=\t\.text|\t\.section)`, regexp2.Multiline)
	out, err = pattern.Replace(contents, "", -1, -1)
	if err == nil {
		contents = out
	}
	return contents
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// doOnetimeFix runs the whole-text substitutions once and then the
// forward pass that couples the flag and zero-extension analyses.
func (g *genericRewriter) doOnetimeFix(contents string) string {
	contents = applyRules(contents, simpleOnetimeFixes)
	if g.opt.abi == abi64 {
		contents = applyRules(contents, simpleOnetimeFixesLP64)
	}
	if g.opt.abi == abiX32 {
		contents = applyRules(contents, simpleOnetimeFixesX32)
	}

	contents = g.convertJmpRet(contents)
	contents = g.optimizeForUnreachable(contents)
	contents = g.removeEmptySections(contents)

	// ICF has proved nearly useless and once caused strange bugs;
	// it stays opt-in.
	if g.opt.icf {
		contents = identicalCodeFold(contents)
	}

	doc := newDocument(contents)
	ze := newZeroExtend(g.opt, contents)

	lastJmp := ""
	lastInstruction := "" // consulted by the ret fixer only

	for i := 0; i < doc.len(); i++ {
		line := doc.line(i)
		var key, operand string

		reassign := func(newLine string) {
			doc.setLine(i, newLine)
			line = newLine
			key, operand = splitInstruction(newLine)
		}
		flagDead := func() bool { return doc.flagNeverUsed(i) }

		if res, ok := ze.feed(line, flagDead); ok {
			doc.setLine(i, res)
			line = res
		}

		// ';' may hide a second instruction; refuse the whole line.
		if strings.Contains(line, ";") {
			lastJmp = ""
			lastInstruction = ""
			continue
		}

		key, operand = splitInstruction(line)
		if key == "" {
			continue
		}
		if key == "lock" && operand != "" {
			subKey, rest := splitInstruction(operand)
			if subKey != "" {
				key = "lock\t" + subKey
				operand = rest
			}
		}

		// Remove ".file" lines quoting a path. Numbered file entries
		// stay: ".loc" refers to them.
		if key == ".file" {
			if strings.HasPrefix(operand, `"`) {
				reassign("")
			}
			continue
		}

		// "rep ret" after a plain ALU op is an overcautious AMD-era
		// spelling, common in openssl; plain ret suffices. The reverse
		// direction (adding "rep" after call/jcc) is deliberately off.
		if key == "rep" && operand == "ret" {
			if hasAnyPrefix(lastInstruction,
				"add", "cltq", "cmov", "lea", "mov", "or", "pop", "pxor", "xor", "sub") {
				reassign("\tret")
			}
		}
		if !strings.HasPrefix(key, ".cfi_") && !strings.HasPrefix(key, ".p2align") {
			lastInstruction = key
		}

		// Fuse recognized branch pairs:
		//   je L1          je L1
		//   jbe L2   ===>  jb L2
		if strings.HasPrefix(key, "j") && ccSet[key[1:]] {
			curJmp := key[1:]
			if newJmp, ok := jmpPairs[lastJmp+"\x00"+curJmp]; ok {
				reassign("\tj" + newJmp + "\t" + operand)
			}
			lastJmp = curJmp
		} else if lastJmp != "" && !doc.preserveFlags(i) {
			lastJmp = ""
		}

		// andq/orq over memory whose immediate fits 32 bits.
		if hasAnyPrefix(key, "and", "or") {
			if m := matchLine(andqOrqMemPattern, line); m != nil && doc.flagNeverUsed(i) {
				ao := groupName(m, "ao")
				if v, err := strconv.ParseInt(groupName(m, "imm"), 10, 64); err == nil {
					imm := uint64(v)
					if ao == "and" && imm>>32 == 0xffffffff {
						reassign(strings.Replace(line, "andq", "andl", 1))
					} else if ao == "or" && imm>>32 == 0 {
						reassign(strings.Replace(line, "orq", "orl", 1))
					}
				}
			}
		}

		// "add/sub $1," => "inc/dec" when the next instruction sets
		// flags without reading them (inc/dec leave CF alone).
		if hasAnyPrefix(key, "add", "sub", "lock\tadd", "lock\tsub") &&
			strings.HasPrefix(operand, "$1,") {
			convertible := false
			if i+1 < doc.len() {
				switch doc.lineType(i + 1) {
				case typeNotuseSet:
					convertible = true
				case typeLabel:
					convertible = i+2 < doc.len() && doc.lineType(i+2) == typeNotuseSet
				}
			}
			if convertible {
				newKey := strings.ReplaceAll(strings.ReplaceAll(key, "add", "inc"), "sub", "dec")
				reassign("\t" + newKey + "\t" + strings.TrimSpace(operand[3:]))
			}
		}

		// Convert comparisons:
		//   cmp $2, %al        cmp $3, %al
		//   jbe .L1      ===>  jb .L1
		if strings.HasPrefix(key, "cmp") && strings.HasPrefix(operand, "$") {
			if m := matchLine(cmpImmPattern, line); m != nil {
				g.fuseCmpImmediate(doc, i, m)
				continue
			}
		}

		// cmp/comiss/comisd %r1, %r2; ja/jbe  =>  swapped; jb/jae
		if hasAnyPrefix(key, "cmp", "comis", "vcomis") && strings.HasPrefix(operand, "%") {
			if m := matchLine(cmpRegRegPattern, line); m != nil {
				g.fuseCmpSwap(doc, i, m)
				continue
			}
		}

		// The same for "cmp reg,mem" and "cmp mem,reg".
		if strings.HasPrefix(key, "cmp") {
			if m := matchLine(cmpRegMemPattern, line); m != nil {
				g.fuseCmpSwap(doc, i, m)
				continue
			}
		}

		// "bt $const,...; jb/jae" => "test; jne/je", common in
		// handwritten openssl assembly.
		if strings.HasPrefix(key, "bt") {
			if m := matchLine(btPattern, line); m != nil {
				g.fuseBitTest(doc, i, m)
				continue
			}
		}

		// After "cmp $0" or "test %r,%r", SF alone decides l/ge:
		//   test %eax, %eax; jl/jge  =>  js/jns
		if hasAnyPrefix(key, "cmp", "test") && operand != "" &&
			(operand[0] == '$' || operand[0] == '%') {
			if matchLine(cmpZeroPattern, line) != nil {
				users := doc.flagUsers(i)
				if len(users) == 0 {
					continue
				}
				for _, j := range users {
					doc.setLine(j, replaceLine(jlJgePattern, doc.line(j), subJlJge))
				}
				continue
			}
		}
	}

	return doc.join()
}

// fuseCmpImmediate rewrites "cmp $k" to "cmp $k+1" when every flag user
// is an a/be conditional that can absorb the shift.
func (g *genericRewriter) fuseCmpImmediate(doc *document, i int, m *regexp2.Match) {
	bwlq := groupName(m, "bwlq")
	v, err := strconv.ParseInt(groupName(m, "imm"), 10, 64)
	if err != nil {
		return
	}
	bits := bwlqBits[bwlq]
	imm := uint64(v)
	if v < 0 {
		imm = uint64(v) & widthMask(bits)
	}
	for _, skip := range skipABeConv[bwlq] {
		if imm == skip {
			return
		}
	}
	var flagUsers []int
	if !doc.getFlagUsers(i, func(j int) bool {
		if matchLine(aBePattern, doc.line(j)) == nil {
			return false
		}
		flagUsers = append(flagUsers, j)
		return true
	}) {
		return
	}
	if len(flagUsers) == 0 {
		// The flags are never used: the compare itself is dead,
		// usually the residue of __builtin_unreachable().
		doc.setLine(i, "")
		return
	}
	doc.setLine(i, fmt.Sprintf("\tcmp%s\t$%d%s", bwlq, imm+1, groupName(m, "o")))
	for _, j := range flagUsers {
		doc.setLine(j, replaceLine(aBePattern, doc.line(j), subABe))
	}
}

// fuseCmpSwap swaps the comparison operands and flips every a/be user
// to b/ae.
func (g *genericRewriter) fuseCmpSwap(doc *document, i int, m *regexp2.Match) {
	var flagUsers []int
	if !doc.getFlagUsers(i, func(j int) bool {
		if matchLine(aBePattern, doc.line(j)) == nil {
			return false
		}
		flagUsers = append(flagUsers, j)
		return true
	}) {
		return
	}
	if len(flagUsers) == 0 {
		return
	}
	doc.setLine(i, "\t"+groupName(m, "cmp")+"\t"+groupName(m, "r2")+","+groupName(m, "r1"))
	for _, j := range flagUsers {
		doc.setLine(j, replaceLine(aBePattern, doc.line(j), subABeNeg))
	}
}

// fuseBitTest rewrites "bt $k, X; jb/jae" to "test $(1<<k), X; jne/je".
func (g *genericRewriter) fuseBitTest(doc *document, i int, m *regexp2.Match) {
	bwlq := group(m, 1)
	bit, err := strconv.Atoi(group(m, 2))
	if err != nil {
		return
	}
	dst := group(m, 3)
	if bwlq == "" {
		if strings.HasPrefix(dst, "%") {
			if bits, ok := regBits[dst[1:]]; ok {
				bwlq = bwlqSuffix[bits]
			}
		}
	}
	if bwlq == "" {
		return
	}
	if bit < 0 || bit >= min(32, bwlqBits[bwlq]) {
		return
	}
	var flagUsers []int
	if !doc.getFlagUsers(i, func(j int) bool {
		if matchLine(bAePattern, doc.line(j)) == nil {
			return false
		}
		flagUsers = append(flagUsers, j)
		return true
	}) {
		return
	}
	if len(flagUsers) == 0 {
		return
	}
	if bit < 8 && bwlq != "b" && strings.HasPrefix(dst, "%") {
		if r8, ok := regTo8[dst[1:]]; ok {
			bwlq = "b"
			dst = "%" + r8
		}
	}
	doc.setLine(i, fmt.Sprintf("\ttest%s\t$%d,%s", bwlq, 1<<uint(bit), dst))
	for _, j := range flagUsers {
		doc.setLine(j, replaceLine(bAePattern, doc.line(j), subBAeForBt))
	}
}

func (g *genericRewriter) doFixRound(contents string) string {
	contents = applyRules(contents, simpleFixesRepeat)
	contents = propagateJumps(contents)
	contents = g.removeUnusedLabels(contents)
	return contents
}

func (g *genericRewriter) apply(contents string) string {
	contents = g.removeUnusedLabels(contents)
	contents = g.doOnetimeFix(contents)
	for {
		old := contents
		contents = g.doFixRound(contents)
		if contents == old {
			return contents
		}
	}
}

func rewriteGeneric(contents string, opt *options) string {
	return (&genericRewriter{opt: opt}).apply(contents)
}
