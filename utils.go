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
	"github.com/dlclark/regexp2"
)

// rewriteRule is one pattern/replacement pair of a pass table. Exactly
// one of repl and fn is set; fn receives the match when the replacement
// needs arithmetic.
type rewriteRule struct {
	re   *regexp2.Regexp
	repl string
	fn   func(m *regexp2.Match) string
}

func rule(pattern, repl string) rewriteRule {
	return rewriteRule{
		re:   regexp2.MustCompile(pattern, regexp2.Multiline),
		repl: repl,
	}
}

func ruleFunc(pattern string, fn func(m *regexp2.Match) string) rewriteRule {
	return rewriteRule{
		re: regexp2.MustCompile(pattern, regexp2.Multiline),
		fn: fn,
	}
}

// applyRules runs every rule over the whole text, in order.
func applyRules(contents string, rules []rewriteRule) string {
	for _, r := range rules {
		var out string
		var err error
		if r.fn != nil {
			out, err = r.re.ReplaceFunc(contents, func(m regexp2.Match) string {
				return r.fn(&m)
			}, -1, -1)
		} else {
			out, err = r.re.Replace(contents, r.repl, -1, -1)
		}
		if err == nil {
			contents = out
		}
	}
	return contents
}

func group(m *regexp2.Match, n int) string {
	g := m.GroupByNumber(n)
	if g == nil {
		return ""
	}
	return g.String()
}

func groupName(m *regexp2.Match, name string) string {
	g := m.GroupByName(name)
	if g == nil {
		return ""
	}
	return g.String()
}

// perLine compiles a pattern anchored at the start of a single line,
// for matching one document line at a time.
func perLine(pattern string) *regexp2.Regexp {
	return regexp2.MustCompile(`\A`+pattern, regexp2.None)
}

func matchLine(re *regexp2.Regexp, line string) *regexp2.Match {
	m, err := re.FindStringMatch(line)
	if err != nil {
		return nil
	}
	return m
}

func replaceLine(re *regexp2.Regexp, line string, fn func(m *regexp2.Match) string) string {
	out, err := re.ReplaceFunc(line, func(m regexp2.Match) string {
		return fn(&m)
	}, -1, -1)
	if err != nil {
		return line
	}
	return out
}

// findAllMatches walks every match of re in contents.
func findAllMatches(re *regexp2.Regexp, contents string) []*regexp2.Match {
	var out []*regexp2.Match
	m, err := re.FindStringMatch(contents)
	for err == nil && m != nil {
		out = append(out, m)
		m, err = re.FindNextMatch(m)
	}
	return out
}
