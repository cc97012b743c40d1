package main

import (
	"os/exec"
	"testing"
)

func TestParameterStorageType(t *testing.T) {
	tests := []struct {
		parameter string
		want      int
	}{
		{"char*", parameterPointer},
		{" char const*", parameterPointer},
		{"std::string&", parameterPointer},
		{"foo::bar**", parameterPointer},
		{"int", parameterGPR},
		{" unsigned long", parameterGPR},
		{"bool", parameterGPR},
		{"char32_t", parameterGPR},
		{"float", parameterXMM},
		{"double", parameterXMM},
		{"std::string", parameterUnknown},
		{"foo (*)(int)", parameterUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.parameter, func(t *testing.T) {
			if got := parameterStorageType(tt.parameter); got != tt.want {
				t.Errorf("parameterStorageType(%q) = %d, want %d", tt.parameter, got, tt.want)
			}
		})
	}
}

func TestAnalyzeCxxPrototypesNoSymbols(t *testing.T) {
	if got := analyzeCxxPrototypes("\tret\n"); got != nil {
		t.Error("analyzeCxxPrototypes returned a tracker for symbol-free text")
	}
}

func TestAnalyzeCxxPrototypes(t *testing.T) {
	if _, err := exec.LookPath("c++filt"); err != nil {
		t.Skip("c++filt not installed")
	}
	// void take(char*, int, double, char*) and std::string::size() const
	contents := "_Z4takePciddPc:\n\tret\n" +
		"\tcall\t_ZNKSt6string4sizeEv\n"
	z32 := analyzeCxxPrototypes(contents)
	if z32 == nil {
		t.Fatal("no tracker returned")
	}

	if regs := z32("notmangled"); regs != nil {
		t.Errorf("z32(notmangled) = %v, want nil", regs)
	}
	if regs := z32("main"); len(regs) != 2 || regs[0] != siIdx || regs[1] != dxIdx {
		t.Errorf("z32(main) = %v, want [si dx]", regs)
	}
}

func TestDemangleStorageClassification(t *testing.T) {
	// The classification walk over a parsed parameter list is pure;
	// exercise it through the storage classifier directly.
	params := []string{"char*", " int", " double", " char*"}
	var pointers []bool
	for _, p := range params {
		switch parameterStorageType(p) {
		case parameterPointer:
			pointers = append(pointers, true)
		case parameterGPR:
			pointers = append(pointers, false)
		case parameterXMM:
			// no GPR slot
		default:
			t.Fatalf("unexpected unknown parameter %q", p)
		}
	}
	want := []bool{true, false, true}
	if len(pointers) != len(want) {
		t.Fatalf("pointers = %v, want %v", pointers, want)
	}
	for i := range want {
		if pointers[i] != want[i] {
			t.Fatalf("pointers = %v, want %v", pointers, want)
		}
	}
}
