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

// hackas is a drop-in replacement for the system assembler: it reads
// the textual assembly a compiler emits, rewrites it into a smaller
// but equivalent form, and pipes the result to the real assembler.
// Invocations it does not understand are forwarded verbatim.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	abi64  = "64"
	abiX32 = "x32"
)

// options selects the target ABI and the optional passes.
type options struct {
	abi string
	icf bool
}

// findAs locates the real assembler.
func findAs() string {
	const bestAs = "/usr/local/binutils-svn/bin/as"
	if info, err := os.Stat(bestAs); err == nil && info.Mode()&0o111 != 0 {
		return bestAs
	}
	return "as"
}

// asInvocation is a recognized assembler command line.
type asInvocation struct {
	args    []string // argv for the real assembler
	infile  string   // "" or "-" reads stdin
	outfile string
	opt     *options
}

// initAs parses an assembler-shaped argv. A nil return means the
// command line was not understood and must be forwarded as-is.
func initAs(argv []string) *asInvocation {
	inv := &asInvocation{
		args: []string{findAs()},
		opt:  &options{abi: abi64},
	}
	skipNext := true // argv[0]
	for i, arg := range argv {
		switch {
		case skipNext:
			skipNext = false
		case strings.HasPrefix(arg, "-m") || arg == "--noexecstack" || arg == "-W":
			inv.args = append(inv.args, arg)
		case arg == "--64" || arg == "--x32": // --32 is not supported
			inv.opt.abi = arg[2:]
			inv.args = append(inv.args, arg)
		case arg == "-" || strings.HasSuffix(arg, ".s") || strings.HasSuffix(arg, ".S"):
			if inv.infile != "" {
				return nil
			}
			inv.infile = arg
		case arg == "-I" && i+1 < len(argv):
			inv.args = append(inv.args, arg, argv[i+1])
			skipNext = true
		case arg == "-o" && i+1 < len(argv):
			inv.outfile = argv[i+1]
			inv.args = append(inv.args, arg, argv[i+1])
			skipNext = true
		default: // unknown option
			return nil
		}
	}
	if inv.outfile == "" {
		return nil
	}
	return inv
}

// rewriteAssembly is the whole pipeline: canonicalize, rewrite,
// restore. It is a pure function of the input text.
func rewriteAssembly(contents []byte, opt *options) ([]byte, error) {
	profiling := os.Getenv("HACKAS_PROFILE") != ""
	var profFile *os.File
	if profiling {
		if f, err := os.CreateTemp("", "hackas-*.pprof"); err == nil {
			if pprof.StartCPUProfile(f) == nil {
				profFile = f
			} else {
				f.Close()
			}
		}
	}

	start := time.Now()
	text, pre := preprocess(string(contents))
	tPreprocess := time.Now()
	text = rewriteGeneric(text, opt)
	tGeneric := time.Now()
	restored, err := pre.restore(text)
	if err != nil {
		return nil, err
	}

	if profiling {
		if profFile != nil {
			pprof.StopCPUProfile()
			fmt.Fprintf(os.Stderr, "hackas: cpu profile written to %s\n", profFile.Name())
			profFile.Close()
		}
		fmt.Fprintf(os.Stderr, "hackas: preprocess %v, rewrite %v, restore %v\n",
			tPreprocess.Sub(start), tGeneric.Sub(tPreprocess), time.Since(tGeneric))
	}
	return []byte(restored), nil
}

// runPassthrough executes args, wiring stdio, and returns the exit code.
func runPassthrough(args []string, stdin io.Reader) int {
	cmd := exec.Command(args[0], args[1:]...)
	if stdin != nil {
		cmd.Stdin = stdin
	} else {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// runAs is the drop-in assembler path.
func runAs() {
	inv := initAs(os.Args)
	if inv == nil {
		_, _ = fmt.Fprintln(os.Stderr,
			"WARNING: Falling back to standard as. Command line not understood: "+strings.Join(os.Args, " "))
		os.Exit(runPassthrough(append([]string{findAs()}, os.Args[1:]...), nil))
	}

	var contents []byte
	var err error
	if inv.infile == "" || inv.infile == "-" {
		contents, err = io.ReadAll(os.Stdin)
	} else {
		contents, err = os.ReadFile(inv.infile)
	}
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	dump, err := newDumper(contents)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "hackas: dumping disabled:", err)
	}

	out, err := rewriteAssembly(contents, inv.opt)
	if err != nil {
		// The rewrite must never break a build: assemble the original.
		_, _ = fmt.Fprintln(os.Stderr, "hackas:", err)
		out = contents
	}
	if dump != nil {
		if err := dump.dumpNew(out); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "hackas: dumping disabled:", err)
		}
	}

	os.Exit(runPassthrough(inv.args, bytes.NewReader(out)))
}

var verbose bool

// runCommand runs a command and extracts its output.
func runCommand(name string, arg ...string) (string, error) {
	if verbose {
		fmt.Fprintf(os.Stderr, "Running %v\n", append([]string{name}, arg...))
	}
	cmd := exec.Command(name, arg...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if output != nil {
			return "", errors.New(string(output))
		}
		return "", err
	}
	return string(output), nil
}

// runCommandInput runs a command with the given stdin.
func runCommandInput(input, name string, arg ...string) (string, error) {
	if verbose {
		fmt.Fprintf(os.Stderr, "Running %v\n", append([]string{name}, arg...))
	}
	cmd := exec.Command(name, arg...)
	cmd.Stdin = strings.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

var command = &cobra.Command{
	Use:   "hackas",
	Short: "Peephole post-processor for x86-64/x32 assembler output",
	Long: `hackas rewrites compiler-emitted x86-64 (or x32) assembly into a
semantically equivalent but smaller form, then hands it to the real
assembler. Invoked with an assembler-shaped command line it acts as a
drop-in "as" replacement; the subcommands below expose the rewrite
engine directly.`,
}

var rewriteCommand = &cobra.Command{
	Use:   "rewrite [input.s]",
	Short: "Run the rewrite engine without assembling",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		abi, _ := cmd.Flags().GetString("abi")
		if abi != abi64 && abi != abiX32 {
			_, _ = fmt.Fprintf(os.Stderr, "unsupported ABI: %s (available: 64, x32)\n", abi)
			os.Exit(1)
		}
		icf, _ := cmd.Flags().GetBool("icf")

		var contents []byte
		var err error
		if len(args) == 0 || args[0] == "-" {
			contents, err = io.ReadAll(os.Stdin)
		} else {
			contents, err = os.ReadFile(args[0])
		}
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		out, err := rewriteAssembly(contents, &options{abi: abi, icf: icf})
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		output, _ := cmd.Flags().GetString("output")
		if output == "" || output == "-" {
			_, err = os.Stdout.Write(out)
		} else {
			err = os.WriteFile(output, out, 0o644)
		}
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	rewriteCommand.Flags().StringP("abi", "a", abi64, "target ABI (64, x32)")
	rewriteCommand.Flags().Bool("icf", false, "fold identical functions")
	rewriteCommand.Flags().StringP("output", "o", "", "output file (default stdout)")
	command.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "if set, increase verbosity level")
	command.AddCommand(rewriteCommand)
	command.AddCommand(verifyCommand)
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "rewrite", "verify", "help", "completion", "--help", "-h":
			if err := command.Execute(); err != nil {
				os.Exit(1)
			}
			return
		}
	}
	runAs()
}
