// Package validator implements the Static Scanner Validator (C11): a
// heuristic, text-level linter run on every newly generated scanner before
// it is ever executed. It is not a parser for any particular language — the
// worker protocol is language-agnostic — so it flags suspicious lexical
// patterns rather than building an AST.
package validator

import (
	"regexp"
	"strings"
)

// Violation is one rejected structural pattern.
type Violation struct {
	Rule    string
	Message string
}

// Result is the validator's verdict, matching §4.5's {isValid, violations}.
type Result struct {
	IsValid    bool
	Violations []Violation
}

var (
	// wholeArrayReduction catches extremum/aggregate helpers run over an
	// entire bar array before the per-bar scanning loop (§4.5 bullets 1 and 3).
	wholeArrayReduction = regexp.MustCompile(`(?i)\b(high|low)[\s_]*of[\s_]*day\b|\b(max|min|argmax|argmin)\s*\(\s*bars\b`)

	// futureIndexSlice catches slices/indices that reach past the loop's
	// current index (§4.5 bullet 2), e.g. bars[i+1:], bars.slice(i+1).
	futureIndexSlice = regexp.MustCompile(`bars(\s*\[|\.slice\s*\()\s*i\s*\+\s*\d+`)

	// peakLookahead catches "peak index + N" constructs (§4.5 bullet 4).
	peakLookahead = regexp.MustCompile(`(?i)peak[_\s]*(index|idx)\s*\+\s*\d+`)

	// fullArrayAggregate catches aggregate calls over the whole bars array
	// rather than a bounded prefix (§4.5 bullet 3), e.g. bars.reduce(...),
	// sum(bars), average(bars) with no slicing in between.
	fullArrayAggregate = regexp.MustCompile(`(?i)\b(sum|average|mean)\s*\(\s*bars\s*\)|bars\.(reduce|map)\s*\(`)
)

// Validate runs the heuristic checks against scanner source code. It also
// doubles as the truncation detector referenced by errs.KindTruncation: a
// scanner whose braces/brackets/quotes don't balance is rejected the same
// way as a look-ahead violation, since truncated generation output is
// usually detectable the same way.
func Validate(code string) Result {
	var violations []Violation

	if m := wholeArrayReduction.FindString(code); m != "" {
		violations = append(violations, Violation{
			Rule:    "whole_array_extremum",
			Message: "scanner computes a whole-day high/low or array extremum before the scanning loop: " + strings.TrimSpace(m),
		})
	}
	if m := futureIndexSlice.FindString(code); m != "" {
		violations = append(violations, Violation{
			Rule:    "future_index_slice",
			Message: "scanner indexes or slices bars beyond the current loop index: " + strings.TrimSpace(m),
		})
	}
	if m := peakLookahead.FindString(code); m != "" {
		violations = append(violations, Violation{
			Rule:    "peak_index_lookahead",
			Message: "scanner uses a peak-index-plus-offset construct that assumes future bars: " + strings.TrimSpace(m),
		})
	}
	if m := fullArrayAggregate.FindString(code); m != "" {
		violations = append(violations, Violation{
			Rule:    "full_array_aggregate",
			Message: "scanner aggregates over the entire bar array instead of a bounded prefix: " + strings.TrimSpace(m),
		})
	}
	if reason, truncated := detectTruncation(code); truncated {
		violations = append(violations, Violation{Rule: "truncated_output", Message: reason})
	}

	return Result{IsValid: len(violations) == 0, Violations: violations}
}

// detectTruncation flags scanner source that looks cut off mid-statement:
// unbalanced brackets/braces/parens, or an unterminated quoted string.
func detectTruncation(code string) (string, bool) {
	counts := map[rune]int{'(': 0, '[': 0, '{': 0}
	pairOpen := map[rune]rune{')': '(', ']': '[', '}': '{'}

	inString := false
	var quote rune
	for i, r := range code {
		if inString {
			if r == quote && (i == 0 || code[i-1] != '\\') {
				inString = false
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			inString = true
			quote = r
		case '(', '[', '{':
			counts[r]++
		case ')', ']', '}':
			counts[pairOpen[r]]--
		}
	}

	if inString {
		return "scanner source ends inside an unterminated string literal", true
	}
	for open, count := range counts {
		if count != 0 {
			return "scanner source has unbalanced '" + string(open) + "' delimiters, likely truncated", true
		}
	}

	trimmed := strings.TrimRight(code, " \t\n\r")
	if trimmed == "" {
		return "scanner source is empty", true
	}
	last := trimmed[len(trimmed)-1]
	danglingOperators := "+-*/=,&|<>"
	if strings.ContainsRune(danglingOperators, rune(last)) {
		return "scanner source ends on a dangling operator, likely truncated", true
	}

	return "", false
}
