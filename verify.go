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
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"
	"rsc.io/diff"
)

// The verify subcommand checks the universal invariant on real inputs:
// assemble the file as-is and after rewriting, then compare the two
// .text disassemblies with addresses and encoding bytes stripped.

var verifyCommand = &cobra.Command{
	Use:   "verify file.s...",
	Short: "Assemble original and rewritten text, diff the disassemblies",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asPath, _ := cmd.Flags().GetString("as")
		if asPath == "" {
			asPath = findAs()
		}
		failed := false
		for _, path := range args {
			if err := verifyFile(path, asPath); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "%s FAILED: %v\n", path, err)
				failed = true
			} else {
				fmt.Printf("%s PASSED.\n", path)
			}
		}
		if failed {
			os.Exit(1)
		}
	},
}

func init() {
	verifyCommand.Flags().String("as", "", "path to the real assembler")
}

func verifyFile(path, asPath string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	opt := &options{abi: abi64}
	if strings.Contains(path, "x32") {
		opt.abi = abiX32
	}

	oldDis, err := assembleAndDisassemble(asPath, contents, opt)
	if err != nil {
		return fmt.Errorf("original: %w", err)
	}

	rewritten, err := rewriteAssembly(contents, opt)
	if err != nil {
		return fmt.Errorf("rewrite: %w", err)
	}
	newDis, err := assembleAndDisassemble(asPath, rewritten, opt)
	if err != nil {
		return fmt.Errorf("rewritten: %w", err)
	}

	if oldDis != newDis {
		return fmt.Errorf("disassemblies differ:\n%s", diff.Format(newDis, oldDis))
	}
	return nil
}

// assembleAndDisassemble feeds contents to the real assembler and
// renders the object's .text section, one instruction per line,
// without addresses or encoding bytes.
func assembleAndDisassemble(asPath string, contents []byte, opt *options) (string, error) {
	obj, err := os.CreateTemp("", "hackas-verify-*.o")
	if err != nil {
		return "", err
	}
	objPath := obj.Name()
	obj.Close()
	defer os.Remove(objPath)

	args := []string{"-o", objPath, "-"}
	if opt.abi == abiX32 {
		args = append([]string{"--x32"}, args...)
	}
	cmd := exec.Command(asPath, args...)
	cmd.Stdin = bytes.NewReader(contents)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%s: %s", asPath, strings.TrimSpace(string(out)))
	}

	return disassembleText(objPath)
}

func disassembleText(objPath string) (string, error) {
	f, err := elf.Open(objPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sect := f.Section(".text")
	if sect == nil {
		return "", nil
	}
	code, err := sect.Data()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], 64)
		if err != nil {
			b.WriteString("(bad)\n")
			pc++
			continue
		}
		// A fixed pc keeps relative branches comparable across the
		// two encodings.
		b.WriteString(x86asm.GNUSyntax(inst, 0, nil))
		b.WriteByte('\n')
		pc += inst.Len
	}
	return b.String(), nil
}
