package engine

import (
	"strings"

	"github.com/plpgcheck/plpgcheck/pkg/diag"
)

// closing classifies whether control can flow past a statement.
type closing int

const (
	closingUnknown closing = iota
	// closingUnclosed means control always continues past.
	closingUnclosed
	// closingPossibly means some paths terminate and some continue.
	closingPossibly
	// closingClosed means no path continues.
	closingClosed
	// closingByExceptions means every continuing path raises; the set of
	// raised SQLSTATEs travels with the classification.
	closingByExceptions
)

// closure pairs a classification with the SQLSTATEs it may raise.
// exceptions is meaningful only for closingByExceptions.
type closure struct {
	kind       closing
	exceptions []string
}

func unclosed() closure        { return closure{kind: closingUnclosed} }
func closed() closure          { return closure{kind: closingClosed} }
func possiblyClosed() closure  { return closure{kind: closingPossibly} }
func raises(codes ...string) closure {
	return closure{kind: closingByExceptions, exceptions: codes}
}

func (c closure) terminal() bool {
	return c.kind == closingClosed || c.kind == closingByExceptions
}

// mergeBranches combines sibling branches of a conditional. Equal kinds
// keep the kind (unioning exception sets); two terminal kinds merge to
// closed-by-exceptions when either side raises; anything else is only
// possibly closed.
func mergeBranches(a, b closure) closure {
	if a.kind == closingUnknown {
		return b
	}
	if b.kind == closingUnknown {
		return a
	}
	if a.kind == b.kind {
		if a.kind == closingByExceptions {
			return raises(unionCodes(a.exceptions, b.exceptions)...)
		}
		return a
	}
	if a.terminal() && b.terminal() {
		return raises(unionCodes(a.exceptions, b.exceptions)...)
	}
	return possiblyClosed()
}

// sequence combines a statement's classification into the running
// classification of a statement list. A terminal prefix makes the list
// terminal regardless of what follows; otherwise the latest statement
// governs, since control reached it.
func sequence(run, next closure) closure {
	if run.terminal() {
		return run
	}
	if next.kind == closingUnknown {
		return run
	}
	return next
}

func unionCodes(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range [][]string{a, b} {
		for _, c := range s {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// handlerMatches reports whether a handler condition catches code.
// OTHERS catches everything except query cancellation and assertion
// failure. A two-character class condition catches the whole class. The
// re-raise sentinel stands for "whatever propagated here" and matches
// any handler.
func handlerMatches(condCode, code string) bool {
	if code == diag.Reraise {
		return true
	}
	switch condCode {
	case "OTHERS":
		return code != diag.CodeQueryCanceled && code != diag.CodeAssertFailure
	case code:
		return true
	}
	// class match: XX000 catches XXnnn
	if len(condCode) == 5 && strings.HasSuffix(condCode, "000") &&
		len(code) == 5 && code[:2] == condCode[:2] {
		return true
	}
	return false
}

// filterCaught removes the codes a handler condition set absorbs,
// returning what still escapes the block.
func filterCaught(codes []string, condCodes []string) []string {
	var out []string
next:
	for _, code := range codes {
		for _, cond := range condCodes {
			if handlerMatches(cond, code) {
				continue next
			}
		}
		out = append(out, code)
	}
	return out
}
