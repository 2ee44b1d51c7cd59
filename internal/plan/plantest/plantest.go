// Package plantest provides an in-memory plan.Service for engine unit
// tests. Queries are matched by whitespace-normalized text.
package plantest

import (
	"context"
	"regexp"
	"strings"

	"github.com/plpgcheck/plpgcheck/internal/plan"
)

// Fake is a deterministic plan.Service. Register descriptions and
// failures keyed by query text; unknown queries resolve to a plain
// single-column SELECT so tests only describe what they assert on.
type Fake struct {
	descs    map[string]*plan.Description
	failures map[string]*plan.Failure

	// Calls records every described query in order.
	Calls []string
}

// NewFake returns an empty fake service.
func NewFake() *Fake {
	return &Fake{
		descs:    map[string]*plan.Description{},
		failures: map[string]*plan.Failure{},
	}
}

var spaceRe = regexp.MustCompile(`\s+`)

func normalize(q string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(strings.ToLower(q), " "))
}

// On registers the description returned for query.
func (f *Fake) On(query string, d *plan.Description) *Fake {
	f.descs[normalize(query)] = d
	return f
}

// FailOn registers a compilation failure for query.
func (f *Fake) FailOn(query string, failure *plan.Failure) *Fake {
	f.failures[normalize(query)] = failure
	return f
}

// Describe implements plan.Service.
func (f *Fake) Describe(_ context.Context, query string, _ []plan.Param, opts plan.Options) (*plan.Description, error) {
	f.Calls = append(f.Calls, query)

	stmts := plan.SplitStatements(query)
	if len(stmts) > 1 && !opts.AllowBatch {
		return nil, &plan.Failure{Code: "42601", Message: "query is not a single execution plan"}
	}
	target := query
	if len(stmts) > 0 {
		target = stmts[len(stmts)-1]
	}

	key := normalize(target)
	if fail, ok := f.failures[key]; ok {
		return nil, fail
	}
	if d, ok := f.descs[key]; ok {
		cp := *d
		if cp.Statements == 0 {
			cp.Statements = len(stmts)
		}
		if cp.Command == plan.CommandUnknown {
			cp.Command = plan.CommandOf(target)
		}
		return &cp, nil
	}

	// default: one anonymous column of unknown type
	return &plan.Description{
		Columns:    []plan.Column{{Name: "?column?", Type: "text"}},
		Command:    plan.CommandOf(target),
		Statements: maxInt(len(stmts), 1),
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
