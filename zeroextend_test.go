package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func flagsDead() bool { return true }
func flagsLive() bool { return false }

func newTestZE(abi string) *zeroExtend {
	return newZeroExtend(&options{abi: abi}, "")
}

func feedAll(ze *zeroExtend, lines ...string) {
	for _, line := range lines {
		ze.feed(line, flagsLive)
	}
}

func TestZeroExtendMovZeroToXor(t *testing.T) {
	ze := newTestZE(abi64)
	res, changed := ze.feed("\tmovl\t$0,%eax", flagsDead)
	assert.True(t, changed)
	assert.Equal(t, "\txor\t%eax,%eax", res)
	assert.Equal(t, 0, ze.state[axIdx])
}

func TestZeroExtendMovZeroFlagsLive(t *testing.T) {
	ze := newTestZE(abi64)
	_, changed := ze.feed("\tmovl\t$0,%eax", flagsLive)
	assert.False(t, changed)
	assert.Equal(t, 0, ze.state[axIdx]) // still known zero, just not rewritten

	_, changed = ze.feed("\tmovl\t$6,%ecx", flagsLive)
	assert.False(t, changed)
	assert.Equal(t, 3, ze.state[cxIdx])
}

func TestZeroExtendMov64Immediate(t *testing.T) {
	ze := newTestZE(abi64)
	res, changed := ze.feed("\tmovq\t$12345,%rax", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\tmov\t$12345,%eax", res)
}

func TestZeroExtendSelfMoveElision(t *testing.T) {
	ze := newTestZE(abi64)
	// First pass establishes the 32-bit bound, second deletes.
	_, changed := ze.feed("\tmovl\t%eax,%eax", flagsLive)
	assert.False(t, changed)
	res, changed := ze.feed("\tmovl\t%eax,%eax", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "", res)
}

func TestZeroExtendNarrowMov64(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%eax")
	assert.Equal(t, 8, ze.state[axIdx])
	res, changed := ze.feed("\tmovq\t%rax,%rbx", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\tmov\t%eax,%ebx", res)
	assert.Equal(t, 8, ze.state[bxIdx])
}

func TestZeroExtendMovzblElision(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%eax")
	res, changed := ze.feed("\tmovzbl\t%al,%eax", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "", res)

	res, changed = ze.feed("\tmovzbl\t%al,%ecx", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\tmov\t%eax,%ecx", res)
}

func TestZeroExtendMovslqElision(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%eax")
	res, changed := ze.feed("\tmovslq\t%eax,%rcx", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\tmov\t%eax,%ecx", res)
}

func TestZeroExtendXorNarrowing(t *testing.T) {
	ze := newTestZE(abi64)
	res, changed := ze.feed("\txorq\t%rax,%rax", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\txor\t%eax,%eax", res)
	assert.Equal(t, 0, ze.state[axIdx])

	// A second zeroing with dead flags is simply deleted.
	res, changed = ze.feed("\txorl\t%eax,%eax", flagsDead)
	assert.True(t, changed)
	assert.Equal(t, "", res)
}

func TestZeroExtendXorHighRegNotNarrowed(t *testing.T) {
	ze := newTestZE(abi64)
	// %r9 needs a REX prefix either way; nothing to gain.
	_, changed := ze.feed("\txorq\t%r9,%r9", flagsLive)
	assert.False(t, changed)
	assert.Equal(t, 0, ze.state[r9Idx])
}

func TestZeroExtendShrNarrowing(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovl\t%edi,%eax")
	res, changed := ze.feed("\tshrq\t$2,%rax", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\tshr\t$2,%eax", res)
	assert.Equal(t, 30, ze.state[axIdx])
}

func TestZeroExtendShrByClNotTouched(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovl\t%edi,%eax")
	_, changed := ze.feed("\tshrq\t%cl,%rax", flagsLive)
	assert.False(t, changed)
}

func TestZeroExtendAndMaskToMovz(t *testing.T) {
	ze := newTestZE(abi64)
	res, changed := ze.feed("\tandl\t$255,%eax", flagsDead)
	assert.True(t, changed)
	assert.Equal(t, "\tmovzbl\t%al,%eax", res)
	assert.Equal(t, 8, ze.state[axIdx])

	// Masking an already narrower value deletes the and.
	res, changed = ze.feed("\tandl\t$255,%eax", flagsDead)
	assert.True(t, changed)
	assert.Equal(t, "", res)
}

func TestZeroExtendAndMask16(t *testing.T) {
	ze := newTestZE(abi64)
	res, changed := ze.feed("\tandq\t$65535,%rax", flagsDead)
	assert.True(t, changed)
	assert.Equal(t, "\tmovzwl\t%ax,%eax", res)
}

func TestZeroExtendAndImmNarrowing(t *testing.T) {
	ze := newTestZE(abi64)
	res, changed := ze.feed("\tandq\t$127,%rdi", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\tand\t$127,%edi", res)
	assert.Equal(t, 7, ze.state[diIdx])
}

func TestZeroExtendTestNarrowing(t *testing.T) {
	ze := newTestZE(abi64)
	res, changed := ze.feed("\ttestl\t$5,%edi", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\ttest\t$5,%dil", res)

	res, changed = ze.feed("\ttestq\t$4096,%rax", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\ttest\t$4096,%eax", res)
}

func TestZeroExtendCmpZeroToTest(t *testing.T) {
	ze := newTestZE(abi64)
	res, changed := ze.feed("\tcmpq\t$0,%r12", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\ttest\t%r12,%r12", res)
}

func TestZeroExtendShlNarrowing(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%eax")
	res, changed := ze.feed("\tshlq\t$4,%rax", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\tsall\t$4,%eax", res)
	assert.Equal(t, 12, ze.state[axIdx])
}

func TestZeroExtendCmovNarrowing(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%eax", "\tmovzwl\t(%rsi),%ebx")
	res, changed := ze.feed("\tcmovne\t%rax,%rbx", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\tcmovne\t%eax,%ebx", res)
}

func TestZeroExtendCltqElision(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%eax")
	res, changed := ze.feed("\tcltq", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "", res)
}

func TestZeroExtendCallPreservesCalleeSaved(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%ebx", "\tmovzbl\t(%rdi),%eax", "\tcall\tfoo")
	assert.Equal(t, 8, ze.state[bxIdx])
	assert.Equal(t, 64, ze.state[axIdx])
}

func TestZeroExtendSyscallClobbers(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%eax", "\tmovzbl\t(%rdi),%ebx", "\tsyscall")
	assert.Equal(t, 64, ze.state[axIdx])
	assert.Equal(t, 64, ze.state[cxIdx])
	assert.Equal(t, 64, ze.state[r11Idx])
	assert.Equal(t, 8, ze.state[bxIdx])
}

func TestZeroExtendLabelResets(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%eax", ".L1:")
	assert.Equal(t, 64, ze.state[axIdx])
}

func TestZeroExtendUnknownInstructionResets(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%eax", "\tfxrstor\t%xmm0")
	assert.Equal(t, 64, ze.state[axIdx])
}

func TestZeroExtendMemoryDestinationKeepsState(t *testing.T) {
	ze := newTestZE(abi64)
	feedAll(ze, "\tmovzbl\t(%rdi),%eax", "\tmovl\t%eax,(%rsi)")
	assert.Equal(t, 8, ze.state[axIdx])
}

func TestZeroExtendX32AddressNarrowing(t *testing.T) {
	ze := newTestZE(abiX32)
	// The stack pointer starts at 32 bits on x32.
	res, changed := ze.feed("\tmovl\t(%esp),%eax", flagsLive)
	assert.True(t, changed)
	assert.Equal(t, "\tmovl\t(%rsp),%eax", res)
}

func TestZeroExtendX32AddressWithSymbolKept(t *testing.T) {
	ze := newTestZE(abiX32)
	// A symbolic displacement plus a full 32-bit index may wrap.
	_, changed := ze.feed("\tmovl\tarray(%esp),%eax", flagsLive)
	assert.False(t, changed)
}

func TestZeroExtendX32PointerReturn(t *testing.T) {
	ze := newTestZE(abiX32)
	feedAll(ze, "\tcall\tmalloc@PLT")
	assert.Equal(t, 32, ze.state[axIdx])
}

func TestParseImmediate(t *testing.T) {
	tests := []struct {
		in      string
		dstBits int
		want    uint64
		ok      bool
	}{
		{"0,%eax", 32, 0, true},
		{"255,%eax", 32, 255, true},
		{"0x10,%eax", 32, 16, true},
		{"-1,%eax", 32, 0xffffffff, true},
		{"-1,%rax", 64, 0xffffffffffffffff, true},
		{"foo,%eax", 32, 0, false},
	}
	for _, tt := range tests {
		_, got, ok := parseImmediate(tt.in, tt.dstBits)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("parseImmediate(%q, %d) = (%d, %v), want (%d, %v)",
				tt.in, tt.dstBits, got, ok, tt.want, tt.ok)
		}
	}
}
