package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPreprocessCanonicalization(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"indent and spacing",
			"    movl    $1, %eax   \n",
			"\tmovl\t$1, %eax\n",
		},
		{
			"comments and empty lines",
			"# a comment\n\n\tret\n",
			"\tret\n",
		},
		{
			"align to p2align",
			"\t.align 16\n\tret\n",
			"\t.p2align 4\n\tret\n",
		},
		{
			"balign to p2align",
			"\t.balign 8\n\tret\n",
			"\t.p2align 3\n\tret\n",
		},
		{
			"p2align short form",
			"\t.p2align 4,,15\n",
			"\t.p2align 4\n",
		},
		{
			"cc alias on branch",
			"\tjz\t.L1\n",
			"\tje\t.L1\n",
		},
		{
			"cc alias on cmov",
			"\tcmovnae\t%eax,%ebx\n",
			"\tcmovb\t%eax,%ebx\n",
		},
		{
			"cc alias on set",
			"\tsetnz\t%al\n",
			"\tsetne\t%al\n",
		},
		{
			"sal to shl",
			"\tsalq\t$2,%rax\n",
			"\tshlq\t$2,%rax\n",
		},
		{
			"repe to repz",
			"\trepe\tcmpsb\n",
			"\trepz\tcmpsb\n",
		},
		{
			"semicolon after rep",
			"\trep;\tmovsb\n",
			"\trep\tmovsb\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := preprocess(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("preprocess() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPreprocessAlignInDataSection(t *testing.T) {
	// .align before data takes a byte count and must stay.
	in := "\t.align 8\n\t.type\tx, @object\nx:\n\t.quad\t0\n"
	got, p := preprocess(in)
	want := "\t.align 8\n\t.type\tx, @object\nx:\n\t.COMPRESSED\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("preprocess() mismatch (-want +got):\n%s", diff)
	}
	restored, err := p.restore(got)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, restored); diff != "" {
		t.Errorf("restore() mismatch (-want +got):\n%s", diff)
	}
}

func TestPreprocessDataExtraction(t *testing.T) {
	in := "\tret\n\t.long\t1\n\t.quad\t-2\n\t.string\t\"hi\"\n\tnop\n"
	got, p := preprocess(in)
	want := "\tret\n\t.COMPRESSED\n\tnop\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("preprocess() mismatch (-want +got):\n%s", diff)
	}
	restored, err := p.restore(got)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, restored); diff != "" {
		t.Errorf("restore() mismatch (-want +got):\n%s", diff)
	}
}

func TestPreprocessIdempotent(t *testing.T) {
	in := "  movl  $1, %eax\n\t.align 16\n\tsall\t$2, %eax\n\tjnc\t.L1\n"
	once, _ := preprocess(in)
	twice, _ := preprocess(once)
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("preprocess not idempotent (-once +twice):\n%s", diff)
	}
}

func TestRestoreSpellings(t *testing.T) {
	p := &preprocessor{}
	got, err := p.restore("\tshlq\t$2,%rax\n\trep\tret\n")
	if err != nil {
		t.Fatal(err)
	}
	want := "\tsalq\t$2,%rax\n\trep ret\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restore() mismatch (-want +got):\n%s", diff)
	}
}

func TestRestorePlaceholderMismatch(t *testing.T) {
	p := &preprocessor{data: []string{"\t.long\t1\n"}}
	if _, err := p.restore("\tret\n"); err == nil {
		t.Error("restore succeeded despite missing placeholder")
	}
}
