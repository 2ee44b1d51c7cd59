package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// PG is the live Service over a single pgx connection. All Describe
// calls run inside one outer transaction; each call opens a savepoint
// and rolls it back unconditionally, so nothing the planner does while
// compiling survives the call.
//
// PG is not safe for concurrent use. One analysis owns one PG.
type PG struct {
	conn *pgx.Conn
	tx   pgx.Tx
	seq  int

	volCache map[string]plast.Volatility
}

// NewPG begins the outer transaction and returns the live service.
func NewPG(ctx context.Context, conn *pgx.Conn) (*PG, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning validation transaction: %w", err)
	}
	return &PG{conn: conn, tx: tx, volCache: map[string]plast.Volatility{}}, nil
}

// Close rolls back the outer transaction.
func (p *PG) Close(ctx context.Context) error {
	if p.tx == nil {
		return nil
	}
	err := p.tx.Rollback(ctx)
	p.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("closing validation transaction: %w", err)
	}
	return nil
}

// Describe compiles the query inside a rolled-back savepoint and
// extracts its shape. Parameters rewrite variable references into typed
// placeholders before the query reaches the planner.
func (p *PG) Describe(ctx context.Context, query string, params []Param, opts Options) (*Description, error) {
	stmts := SplitStatements(query)
	if len(stmts) == 0 {
		return nil, &Failure{Code: "42601", Message: "empty query"}
	}
	if len(stmts) > 1 && !opts.AllowBatch {
		return nil, &Failure{Code: "42601", Message: "query is not a single execution plan"}
	}
	// last statement governs a tolerated batch
	target := stmts[len(stmts)-1]

	d := &Description{
		Statements: len(stmts),
		Command:    CommandOf(target),
	}
	if d.Command == CommandTransaction {
		// the server cannot prepare transaction control statements;
		// report shape only, policy checks reject it later
		return d, nil
	}

	rewritten, explainForm := rewriteParams(target, params)
	d.HasModifyingCTE = hasModifyingCTE(target)
	d.ForUpdate = hasForUpdate(target)

	p.seq++
	sp := fmt.Sprintf("plpgcheck_%d", p.seq)
	if _, err := p.tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, fmt.Errorf("opening savepoint: %w", err)
	}
	// The savepoint must unwind even when ctx was canceled mid-check.
	defer func() {
		rbCtx := context.WithoutCancel(ctx)
		_, _ = p.tx.Exec(rbCtx, "ROLLBACK TO SAVEPOINT "+sp)
		_, _ = p.tx.Exec(rbCtx, "RELEASE SAVEPOINT "+sp)
	}()

	sd, err := p.conn.Prepare(ctx, "", rewritten)
	if err != nil {
		return nil, mapPgError(err)
	}
	tm := p.conn.TypeMap()
	for _, f := range sd.Fields {
		col := Column{Name: f.Name, Type: fmt.Sprintf("oid:%d", f.DataTypeOID)}
		if t, ok := tm.TypeForOID(f.DataTypeOID); ok {
			col.Type = t.Name
		}
		d.Columns = append(d.Columns, col)
	}

	if explainable(d.Command) {
		if err := p.explain(ctx, explainForm, d); err != nil {
			// EXPLAIN refinements are best effort; the prepared shape
			// already validated the query
			var f *Failure
			if !errors.As(err, &f) {
				return nil, err
			}
		}
	}

	if err := p.resolveFunctions(ctx, target, d); err != nil {
		return nil, err
	}
	return d, nil
}

func explainable(c CommandKind) bool {
	switch c {
	case CommandSelect, CommandInsert, CommandUpdate, CommandDelete, CommandMerge:
		return true
	}
	return false
}

// explain runs EXPLAIN (VERBOSE, FORMAT JSON) on the NULL-substituted
// form and harvests referenced relations and implicit predicate casts.
func (p *PG) explain(ctx context.Context, explainForm string, d *Description) error {
	rows, err := p.tx.Query(ctx, "EXPLAIN (VERBOSE true, COSTS false, FORMAT JSON) "+explainForm)
	if err != nil {
		return mapPgError(err)
	}
	defer rows.Close()

	var doc []byte
	for rows.Next() {
		if err := rows.Scan(&doc); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return mapPgError(err)
	}

	var parsed []struct {
		Plan map[string]any `json:"Plan"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil || len(parsed) == 0 {
		return nil
	}
	walkPlanNode(parsed[0].Plan, d)
	return nil
}

var implicitCastRe = regexp.MustCompile(`\(\(([a-z_][a-z0-9_.]*)\)::([a-z_][a-z0-9_ ]*?)\)?\s*[=<>]`)

func walkPlanNode(node map[string]any, d *Description) {
	if rel, ok := node["Relation Name"].(string); ok {
		name := rel
		if schema, ok := node["Schema"].(string); ok && schema != "public" {
			name = schema + "." + rel
		}
		if !contains(d.Relations, name) {
			d.Relations = append(d.Relations, name)
		}
	}
	for _, key := range []string{"Filter", "Index Cond", "Recheck Cond", "Join Filter", "Hash Cond", "Merge Cond"} {
		if cond, ok := node[key].(string); ok {
			for _, m := range implicitCastRe.FindAllStringSubmatch(cond, -1) {
				d.ImplicitCasts = append(d.ImplicitCasts, CastNote{
					Column: m[1],
					To:     strings.TrimSpace(m[2]),
				})
			}
		}
	}
	if plans, ok := node["Plans"].([]any); ok {
		for _, sub := range plans {
			if m, ok := sub.(map[string]any); ok {
				walkPlanNode(m, d)
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// resolveFunctions looks up the volatility of functions the query names.
// Overloads collapse to the most permissive volatility found.
func (p *PG) resolveFunctions(ctx context.Context, query string, d *Description) error {
	names := functionNames(query)
	if len(names) == 0 {
		return nil
	}
	var missing []string
	for _, n := range names {
		if v, ok := p.volCache[n]; ok {
			d.Functions = append(d.Functions, FunctionRef{Name: n, Volatility: v})
		} else {
			missing = append(missing, n)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	rows, err := p.tx.Query(ctx, `
		SELECT p.proname, max(
			CASE p.provolatile WHEN 'i' THEN 0 WHEN 's' THEN 1 ELSE 2 END)
		FROM pg_catalog.pg_proc p
		WHERE p.proname = ANY($1)
		GROUP BY p.proname`, missing)
	if err != nil {
		return mapPgError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var lvl int
		if err := rows.Scan(&name, &lvl); err != nil {
			return err
		}
		v := plast.Volatility(lvl)
		p.volCache[name] = v
		d.Functions = append(d.Functions, FunctionRef{Name: name, Volatility: v})
	}
	return rows.Err()
}

// sqlKeywords are identifiers that precede '(' without being functions.
var sqlKeywords = map[string]bool{
	"select": true, "where": true, "and": true, "or": true, "not": true,
	"in": true, "exists": true, "any": true, "all": true, "some": true,
	"values": true, "from": true, "join": true, "on": true, "using": true,
	"group": true, "order": true, "by": true, "having": true, "limit": true,
	"offset": true, "union": true, "intersect": true, "except": true,
	"case": true, "when": true, "then": true, "else": true, "end": true,
	"cast": true, "as": true, "distinct": true, "between": true,
	"insert": true, "into": true, "update": true, "set": true, "delete": true,
	"returning": true, "with": true, "recursive": true, "over": true,
	"partition": true, "filter": true, "within": true, "row": true,
	"array": true, "interval": true, "is": true, "null": true, "like": true,
	"ilike": true, "similar": true, "escape": true, "collate": true,
}

var identParenRe = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*\(`)

func functionNames(query string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range identParenRe.FindAllStringSubmatch(query, -1) {
		name := strings.ToLower(m[1])
		if sqlKeywords[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

var wordRe = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)

// rewriteParams replaces variable references with placeholders. The
// prepared form uses ($n::type); the EXPLAIN form substitutes typed
// NULLs because EXPLAIN cannot plan bare parameters.
func rewriteParams(query string, params []Param) (prepared, explainForm string) {
	byName := map[string]Param{}
	n := 0
	order := map[string]int{}
	for _, p := range params {
		key := strings.ToLower(p.Name)
		if _, ok := byName[key]; ok {
			continue
		}
		byName[key] = p
		n++
		order[key] = n
	}
	replace := func(src string, render func(Param, int) string) string {
		return wordRe.ReplaceAllStringFunc(src, func(w string) string {
			p, ok := byName[strings.ToLower(w)]
			if !ok {
				return w
			}
			return render(p, order[strings.ToLower(w)])
		})
	}
	prepared = replace(query, func(p Param, idx int) string {
		if p.Type != "" {
			return fmt.Sprintf("($%d::%s)", idx, p.Type)
		}
		return fmt.Sprintf("$%d", idx)
	})
	explainForm = replace(query, func(p Param, _ int) string {
		if p.Type != "" {
			return fmt.Sprintf("(NULL::%s)", p.Type)
		}
		return "NULL"
	})
	return prepared, explainForm
}

func hasModifyingCTE(query string) bool {
	if firstKeyword(query) != "with" {
		return false
	}
	depth := 0
	for _, w := range tokenizeWords(query) {
		switch w {
		case "(":
			depth++
		case ")":
			depth--
		case "insert", "update", "delete", "merge":
			if depth > 0 {
				return true
			}
		}
	}
	return false
}

func hasForUpdate(query string) bool {
	words := tokenizeWords(query)
	depth := 0
	for i, w := range words {
		switch w {
		case "(":
			depth++
		case ")":
			depth--
		case "for":
			if depth == 0 && i+1 < len(words) {
				switch words[i+1] {
				case "update", "share":
					return true
				case "no":
					return true // FOR NO KEY UPDATE
				case "key":
					return true // FOR KEY SHARE
				}
			}
		}
	}
	return false
}

// mapPgError converts driver errors into recoverable Failures. Anything
// without a SQLSTATE is treated as an infrastructure error and passed
// through.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Failure{
			Code:     pgErr.Code,
			Message:  pgErr.Message,
			Detail:   pgErr.Detail,
			Hint:     pgErr.Hint,
			Position: int(pgErr.Position),
		}
	}
	return err
}
