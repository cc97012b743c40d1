package main

import (
	"testing"
)

func TestIsLabelLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{".L1:", true},
		{"main:", true},
		{"_ZN3fooD2Ev:", true},
		{".L.str.1:", true},
		{"123:", true},
		{"\tret", false},
		{"foo: bar", false},
		{":", false},
		{"", false},
		{"foo(bar):", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			if got := isLabelLine(tt.line); got != tt.want {
				t.Errorf("isLabelLine(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestSplitInstruction(t *testing.T) {
	tests := []struct {
		line    string
		key     string
		operand string
	}{
		{"\tmov\t%eax,%ebx", "mov", "%eax,%ebx"},
		{"\tret", "ret", ""},
		{"\tcall   foo", "call", "foo"},
		{"", "", ""},
		{"\t.p2align 4", ".p2align", "4"},
	}
	for _, tt := range tests {
		key, operand := splitInstruction(tt.line)
		if key != tt.key || operand != tt.operand {
			t.Errorf("splitInstruction(%q) = (%q, %q), want (%q, %q)",
				tt.line, key, operand, tt.key, tt.operand)
		}
	}
}

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want lineType
	}{
		{".L1:", typeLabel},
		{"\tret", typeRet},
		{"\tretq", typeRet},
		{"\tcall\tfoo", typeCall},
		{"\tjmp\t.L1", typeJmp},
		{"\tje\t.L1", typeJcc},
		{"\tjnz\t.L1", typeJcc},
		{"\thlt", typeHalt},
		{"\tud2", typeHalt},
		{"\tmov\t%eax,%ebx", typeNotusePreserve},
		{"\tleaq\t8(%rdi),%rax", typeNotusePreserve},
		{"\taddl\t$1,%eax", typeNotuseSet},
		{"\tcmpq\t%rax,%rbx", typeNotuseSet},
		{"\tadcq\t%rax,%rbx", typeUseSet},
		{"\tcmovne\t%eax,%ebx", typeUsePreserve},
		{"\tsete\t%al", typeUsePreserve},
		{"\t.cfi_startproc", typeNotusePreserve},
		{"\t.cfi_def_cfa_offset 16", typeNotusePreserve},
		{"", typeNotusePreserve},
		{"\tmov %eax,%ebx; nop", typeUnknown},
		{"\tfrobnicate\t%eax", typeUnknown},
		{"\tlock\taddl\t$1,(%rdi)", typeNotuseSet},
		{"\tlock", typeNotusePreserve},
		{"\trepnz", typeUnknown},
		{"\trep\tmovsb", typeNotusePreserve},
		{"\trepz\tstosb", typeUsePreserve},
		{"\trepz\tcmpsb", typeUnknown},
		{"\tvpaddd\t%ymm0,%ymm1,%ymm2", typeNotusePreserve},
		{"\tvfmadd132ps\t%ymm0,%ymm1,%ymm2", typeNotusePreserve},
		{"\tpcmpistri\t$8,%xmm1,%xmm0", typeNotuseSet},
		{"\tucomisd\t%xmm0,%xmm1", typeNotuseSet},
		{"\tpopcntq\t%rax,%rbx", typeNotuseSet},
		{"\ttzcntl\t%eax,%ebx", typeNotuseSet},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			if got := classifyLine(tt.line); got != tt.want {
				t.Errorf("classifyLine(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

// Every line of a representative corpus must classify without panicking
// and land inside the defined set.
func TestClassifierTotality(t *testing.T) {
	corpus := []string{
		"\tweird $,%", "\t", "garbage", "\t\t\t", "%eax", "$5", "\t.byte 1",
		"\tmovl", "\tjmp", ".L:", "a:", "\tlock\tlock", "\trepz\trepz",
		"\t.section\t.text.unlikely", "\txchgw\t%ax,%bx",
	}
	for _, line := range corpus {
		got := classifyLine(line)
		if got < typeLabel || got > typeUnknown {
			t.Errorf("classifyLine(%q) = %v, outside the defined set", line, got)
		}
	}
}

func TestDocumentLabels(t *testing.T) {
	doc := newDocument("foo:\n\tret\n.L1:\n\tret\n\t.set\tbar,foo\n\t.set\tfoo,.L1\n")
	if got := doc.labels["foo"]; got != 0 {
		t.Errorf("labels[foo] = %d, want 0", got)
	}
	if got := doc.labels[".L1"]; got != 2 {
		t.Errorf("labels[.L1] = %d, want 2", got)
	}
	// "bar" aliases foo; "foo" is already defined and must keep its line.
	if got := doc.labels["bar"]; got != 0 {
		t.Errorf("labels[bar] = %d, want 0", got)
	}
	if got := doc.labels["foo"]; got != 0 {
		t.Errorf("labels[foo] after alias pass = %d, want 0", got)
	}
}

func TestDocumentCacheInvalidation(t *testing.T) {
	doc := newDocument("\tret\n")
	if got := doc.lineType(0); got != typeRet {
		t.Fatalf("lineType(0) = %v, want ret", got)
	}
	doc.setLine(0, "\tjmp\t.L1")
	if got := doc.lineType(0); got != typeJmp {
		t.Errorf("lineType(0) after rewrite = %v, want jmp", got)
	}
}

func TestDocumentJoin(t *testing.T) {
	doc := newDocument("\tret\n\tnop\n")
	doc.setLine(1, "")
	if got := doc.join(); got != "\tret\n" {
		t.Errorf("join() = %q, want %q", got, "\tret\n")
	}
}

func TestFlagNeverUsed(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		i        int
		want     bool
	}{
		{
			"ret kills flags",
			"\taddl\t$1,%eax\n\tret\n",
			0, true,
		},
		{
			"call kills flags",
			"\taddl\t$1,%eax\n\tcall\tfoo\n",
			0, true,
		},
		{
			"conditional branch uses flags",
			"\taddl\t$1,%eax\n\tje\t.L1\n.L1:\n\tret\n",
			0, false,
		},
		{
			"set without use kills flags",
			"\taddl\t$1,%eax\n\tcmpl\t$2,%ebx\n\tje\t.L1\n.L1:\n\tret\n",
			0, true,
		},
		{
			"preserving instructions are transparent",
			"\taddl\t$1,%eax\n\tmovl\t%eax,%ebx\n\tsete\t%cl\n",
			0, false,
		},
		{
			"jump is followed through",
			"\taddl\t$1,%eax\n\tjmp\t.L2\n.L1:\n\tsete\t%cl\n.L2:\n\tret\n",
			0, true,
		},
		{
			"jump to unknown label is conservative",
			"\taddl\t$1,%eax\n\tjmp\telsewhere\n",
			0, false,
		},
		{
			"dead loop proves non-use",
			"\taddl\t$1,%eax\n.L1:\n\tmovl\t%eax,%ebx\n\tjmp\t.L1\n",
			0, true,
		},
		{
			"unknown instruction is conservative",
			"\taddl\t$1,%eax\n\tfrobnicate\n",
			0, false,
		},
		{
			"end of document is conservative",
			"\taddl\t$1,%eax\n\tmovl\t%eax,%ebx\n",
			0, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newDocument(tt.contents)
			if got := doc.flagNeverUsed(tt.i); got != tt.want {
				t.Errorf("flagNeverUsed(%d) = %v, want %v", tt.i, got, tt.want)
			}
		})
	}
}

func TestGetFlagUsers(t *testing.T) {
	contents := "\tcmpl\t$1,%eax\n" + // 0
		"\tmovl\t%eax,%ebx\n" + // 1: transparent
		"\tcmovne\t%ecx,%edx\n" + // 2: user, preserves
		"\tje\t.L1\n" + // 3: user, branch
		"\taddl\t$1,%eax\n" + // 4: sets without use, stop
		"\tsete\t%al\n" + // 5: must not be visited
		".L1:\n" +
		"\tret\n"
	doc := newDocument(contents)
	var users []int
	if !doc.getFlagUsers(0, func(j int) bool {
		users = append(users, j)
		return true
	}) {
		t.Fatal("getFlagUsers reported failure")
	}
	want := []int{2, 3}
	if len(users) != len(want) {
		t.Fatalf("users = %v, want %v", users, want)
	}
	for i := range want {
		if users[i] != want[i] {
			t.Fatalf("users = %v, want %v", users, want)
		}
	}
}

func TestGetFlagUsersAbort(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{
			"callback rejection",
			"\tcmpl\t$1,%eax\n\tje\t.L1\n.L1:\n\tret\n",
		},
		{
			"unknown instruction",
			"\tcmpl\t$1,%eax\n\tfrobnicate\n\tret\n",
		},
		{
			"branch destination keeps flags live",
			"\tcmpl\t$1,%eax\n\tje\t.L1\n\tret\n.L1:\n\tsete\t%al\n",
		},
		{
			"label with live flags",
			"\tcmpl\t$1,%eax\n.L1:\n\tsete\t%al\n",
		},
		{
			"unknown branch target",
			"\tcmpl\t$1,%eax\n\tje\televen\n\tret\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newDocument(tt.contents)
			reject := tt.name == "callback rejection"
			ok := doc.getFlagUsers(0, func(j int) bool { return !reject })
			if ok {
				t.Error("getFlagUsers succeeded, want failure")
			}
		})
	}
}

func TestGetFlagUsersStopsAtUseSet(t *testing.T) {
	// adc both uses and sets: it is the final user.
	doc := newDocument("\tcmpl\t$1,%eax\n\tadcq\t$0,%rbx\n\tsete\t%al\n")
	var users []int
	if !doc.getFlagUsers(0, func(j int) bool {
		users = append(users, j)
		return true
	}) {
		t.Fatal("getFlagUsers reported failure")
	}
	if len(users) != 1 || users[0] != 1 {
		t.Errorf("users = %v, want [1]", users)
	}
}

func TestPreserveFlags(t *testing.T) {
	doc := newDocument("\tmovl\t%eax,%ebx\n\tcmovne\t%eax,%ebx\n\taddl\t$1,%eax\n")
	if !doc.preserveFlags(0) {
		t.Error("mov must preserve flags")
	}
	if !doc.preserveFlags(1) {
		t.Error("cmov must preserve flags")
	}
	if doc.preserveFlags(2) {
		t.Error("add must not preserve flags")
	}
}
