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

	"github.com/dlclark/regexp2"
)

// On x32, pointers occupy 32 bits, so every pointer parameter arrives
// zero-extended in its System-V argument register. Demangling the
// function label tells us which parameters are pointers. Prototypes
// that do not parse contribute nothing.

var (
	mangledSymbolPattern = regexp2.MustCompile(`\b(_Z\w+)`, regexp2.None)
	anonNamespacePattern = regexp2.MustCompile(`^(?:\w+::)*__ANONYMOUS_NAMESPACE__::`, regexp2.Multiline)

	ctorPattern        = regexp2.MustCompile(`^(?:\w+::)*(\w+)::\1\(\)$`, regexp2.None)
	dtorPattern        = regexp2.MustCompile(`^(?:\w+::)*(\w+)::~\1\(\)$`, regexp2.None)
	parameterPattern   = regexp2.MustCompile(`^(?:\w+::)*\w+\((.*)\)(?: const)?$`, regexp2.None)
	nonThiscallPattern = regexp2.MustCompile(`^\w+\(`, regexp2.None)
	pointerTypePattern = regexp2.MustCompile(`^[\w: ]+(?:\*|&+)$`, regexp2.None)
)

const (
	parameterPointer = iota
	parameterGPR
	parameterXMM
	parameterUnknown
)

var integralKeywords = map[string]bool{
	"unsigned": true, "signed": true,
	"char": true, "short": true, "int": true, "long": true,
	"bool": true, "wchar_t": true, "char16_t": true, "char32_t": true,
}

var x32ParameterRegisters = [...]int{diIdx, siIdx, dxIdx, cxIdx, r8Idx, r9Idx}

// demangleAll maps every mangled symbol in contents to its demangled
// spelling, via one c++filt invocation over all of them.
func demangleAll(contents string) map[string]string {
	var symbols []string
	for _, m := range findAllMatches(mangledSymbolPattern, contents) {
		symbols = append(symbols, group(m, 1))
	}
	if len(symbols) == 0 {
		return nil
	}
	out, err := runCommandInput(strings.Join(symbols, "\n")+"\n", "c++filt", "-sgnu-v3")
	if err != nil {
		return nil
	}
	// The parentheses would confuse the prototype patterns.
	out = strings.ReplaceAll(out, "(anonymous namespace)", "__ANONYMOUS_NAMESPACE__")
	demangled := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(demangled) != len(symbols) {
		return nil
	}
	dict := make(map[string]string, len(symbols))
	for i, sym := range symbols {
		dict[sym] = demangled[i]
	}
	return dict
}

func parameterStorageType(parameter string) int {
	if m := matchLine(pointerTypePattern, parameter); m != nil {
		return parameterPointer
	}
	integral := true
	for _, part := range strings.Fields(parameter) {
		if !integralKeywords[part] {
			integral = false
			break
		}
	}
	if integral {
		return parameterGPR
	}
	if parameter == "float" || parameter == "double" {
		return parameterXMM
	}
	return parameterUnknown
}

// analyzeCxxPrototypes returns a function mapping a label name to the
// set of argument-register indices certain to hold zero-extended 32-bit
// pointers, or nil when nothing demangles.
func analyzeCxxPrototypes(contents string) func(name string) []int {
	demangleDict := demangleAll(contents)
	if len(demangleDict) == 0 {
		return nil
	}

	// Name components seen before __ANONYMOUS_NAMESPACE__ are known to
	// be namespaces (not class names), so they can be stripped.
	prefixSet := make(map[string]bool)
	var allNames strings.Builder
	for _, name := range demangleDict {
		allNames.WriteString(name)
		allNames.WriteByte('\n')
	}
	for _, m := range findAllMatches(anonNamespacePattern, allNames.String()) {
		prefix := m.String()
		pos := strings.Index(prefix, "::")
		for pos >= 0 {
			prefixSet[prefix[:pos+2]] = true
			pos2 := strings.Index(prefix[pos+2:], "::")
			if pos2 < 0 {
				break
			}
			pos += 2 + pos2
		}
	}
	prefixes := make([]string, 0, len(prefixSet))
	for p := range prefixSet {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	stripNamespace := func(name string) string {
		for _, prefix := range prefixes {
			if strings.HasPrefix(name, prefix) {
				return name[len(prefix):]
			}
		}
		return name
	}

	return func(name string) []int {
		if !strings.HasPrefix(name, "_Z") {
			if name == "main" { // argv, environ
				return []int{siIdx, dxIdx}
			}
			return nil
		}
		demangled, ok := demangleDict[name]
		if !ok {
			return nil
		}
		if strings.Contains(demangled, ".") {
			// Most likely a .constprop or .isra clone; the prototype
			// no longer describes the actual arguments.
			return nil
		}
		if strings.HasPrefix(demangled, "_Z") {
			// Not properly demangled.
			return nil
		}
		demangled = stripNamespace(demangled)

		if m := matchLine(dtorPattern, demangled); m != nil {
			// Destructor: the object pointer arrives in %edi.
			return []int{diIdx}
		}

		m := matchLine(parameterPattern, demangled)
		if m == nil {
			return nil
		}
		parameters := strings.Split(group(m, 1), ",")
		var paraPointer []bool
	parameterLoop:
		for _, parameter := range parameters {
			if strings.Count(parameter, "(") != strings.Count(parameter, ")") {
				// Failed to split a complicated type correctly.
				break
			}
			switch parameterStorageType(parameter) {
			case parameterPointer:
				paraPointer = append(paraPointer, true)
			case parameterGPR:
				paraPointer = append(paraPointer, false)
			case parameterXMM:
				// Floating parameters do not consume a GPR slot.
			default:
				break parameterLoop
			}
		}
		if strings.HasSuffix(demangled, ") const") || matchLine(ctorPattern, demangled) != nil {
			// Non-static member: "this" occupies the first slot.
			paraPointer = append([]bool{true}, paraPointer...)
		} else if matchLine(nonThiscallPattern, demangled) != nil {
			// Static or global; slots are as parsed.
		} else {
			// Unknown whether it is static; only trust slots that are
			// pointers under both interpretations.
			if len(paraPointer) == 0 {
				return nil
			}
			shifted := append([]bool{true}, paraPointer[:len(paraPointer)-1]...)
			for i := range paraPointer {
				paraPointer[i] = paraPointer[i] && shifted[i]
			}
		}
		var regs []int
		for i, isPointer := range paraPointer {
			if i >= len(x32ParameterRegisters) {
				break
			}
			if isPointer {
				regs = append(regs, x32ParameterRegisters[i])
			}
		}
		return regs
	}
}
