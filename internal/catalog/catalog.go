// Package catalog looks up routine metadata and type compatibility from
// the system catalogs. The engine depends on the Resolver interface;
// Catalog is the live implementation and Static is a canned resolver for
// tests and offline linting.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// Querier abstracts *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Coercion classifies how a value of one type reaches another.
type Coercion int

const (
	// CoercionNone means no cast path exists at all.
	CoercionNone Coercion = iota
	// CoercionExplicit means only an explicit cast exists.
	CoercionExplicit
	// CoercionAssignment means an assignment cast exists; assignments
	// succeed but cost a conversion.
	CoercionAssignment
	// CoercionImplicit means the types convert freely.
	CoercionImplicit
	// CoercionBinary means the types are identical or binary compatible.
	CoercionBinary
)

// Resolver is the type-compatibility collaborator the expression checker
// consults. Coercion sets are host-specific, so they are sourced from
// the catalog rather than a table.
type Resolver interface {
	// CoercionPath reports how src converts to dst.
	CoercionPath(ctx context.Context, src, dst string) (Coercion, error)
	// TypeCategory returns the pg_type.typcategory byte ('S' marks
	// string-like types, the taint-relevant category).
	TypeCategory(ctx context.Context, typ string) (byte, error)
}

// Metadata describes a routine fetched from pg_proc.
type Metadata struct {
	OID        uint32
	Name       string
	Source     string
	ReturnType string
	Returns    bool
	ReturnsSet bool
	Volatility plast.Volatility
	IsProc     bool
	Kind       plast.RoutineKind
	ArgNames   []string
	ArgTypes   []string
	ArgModes   []plast.ParamMode
}

// ErrRoutineNotFound is returned when no routine matches the requested
// signature.
var ErrRoutineNotFound = errors.New("catalog: routine not found")

// Catalog is the live Resolver over a Querier. Lookups are cached for
// the lifetime of the Catalog, which is one analysis run.
type Catalog struct {
	q Querier

	casts      map[string]Coercion
	categories map[string]byte
}

// New returns a Catalog over q.
func New(q Querier) *Catalog {
	return &Catalog{
		q:          q,
		casts:      map[string]Coercion{},
		categories: map[string]byte{},
	}
}

// RoutineMetadata loads one routine by name (optionally schema
// qualified). Overloaded names are an error; the caller must qualify
// with an argument list through RoutineMetadataArgs.
func (c *Catalog) RoutineMetadata(ctx context.Context, name string) (*Metadata, error) {
	schema := ""
	if i := strings.IndexByte(name, '.'); i >= 0 {
		schema, name = name[:i], name[i+1:]
	}

	query := `
		SELECT p.oid, p.proname, p.prosrc,
		       pg_catalog.format_type(p.prorettype, NULL),
		       p.proretset, p.provolatile, p.prokind,
		       COALESCE(p.proargnames, '{}'),
		       COALESCE(array(SELECT pg_catalog.format_type(t, NULL) FROM unnest(p.proargtypes) AS t), '{}'),
		       COALESCE(p.proargmodes::text[], '{}')
		FROM pg_catalog.pg_proc p
		JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
		JOIN pg_catalog.pg_language l ON l.oid = p.prolang
		WHERE p.proname = $1
		  AND l.lanname = 'plpgsql'
		  AND ($2 = '' OR n.nspname = $2)`

	rows, err := c.q.QueryContext(ctx, query, name, schema)
	if err != nil {
		return nil, fmt.Errorf("loading routine %q: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var found []*Metadata
	for rows.Next() {
		m := &Metadata{}
		var volatility, kind string
		var argNames, argTypes, argModes []string
		err := rows.Scan(&m.OID, &m.Name, &m.Source, &m.ReturnType, &m.ReturnsSet,
			&volatility, &kind,
			pq.Array(&argNames), pq.Array(&argTypes), pq.Array(&argModes))
		if err != nil {
			return nil, fmt.Errorf("scanning routine %q: %w", name, err)
		}
		m.Volatility = parseVolatility(volatility)
		m.Returns = !strings.EqualFold(m.ReturnType, "void")
		switch kind {
		case "p":
			m.IsProc = true
			m.Kind = plast.KindProcedure
			m.Returns = false
		default:
			m.Kind = plast.KindFunction
			switch strings.ToLower(m.ReturnType) {
			case "trigger":
				m.Kind = plast.KindTrigger
				m.Returns = false
			case "event_trigger":
				m.Kind = plast.KindEventTrigger
				m.Returns = false
			}
		}
		m.ArgNames = argNames
		m.ArgTypes = argTypes
		for i := range argTypes {
			mode := plast.ModeIn
			if i < len(argModes) {
				switch argModes[i] {
				case "o", "t":
					mode = plast.ModeOut
				case "b":
					mode = plast.ModeInOut
				case "v":
					mode = plast.ModeVariadic
				}
			}
			m.ArgModes = append(m.ArgModes, mode)
		}
		found = append(found, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRoutineNotFound, name)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("routine %q is overloaded, qualify the argument list", name)
	}
}

func parseVolatility(v string) plast.Volatility {
	switch v {
	case "i":
		return plast.Immutable
	case "s":
		return plast.Stable
	default:
		return plast.Volatile
	}
}

// CoercionPath implements Resolver against pg_cast.
func (c *Catalog) CoercionPath(ctx context.Context, src, dst string) (Coercion, error) {
	src, dst = normalizeType(src), normalizeType(dst)
	if src == dst || src == "unknown" || dst == "" || src == "" {
		return CoercionBinary, nil
	}
	key := src + "->" + dst
	if v, ok := c.casts[key]; ok {
		return v, nil
	}

	var castContext string
	err := c.q.QueryRowContext(ctx, `
		SELECT ca.castcontext
		FROM pg_catalog.pg_cast ca
		WHERE ca.castsource = $1::regtype AND ca.casttarget = $2::regtype`,
		src, dst).Scan(&castContext)
	var result Coercion
	switch {
	case errors.Is(err, sql.ErrNoRows):
		result = CoercionNone
	case err != nil:
		return CoercionNone, fmt.Errorf("looking up cast %s -> %s: %w", src, dst, err)
	default:
		switch castContext {
		case "i":
			result = CoercionImplicit
		case "a":
			result = CoercionAssignment
		default:
			result = CoercionExplicit
		}
	}
	c.casts[key] = result
	return result, nil
}

// TypeCategory implements Resolver against pg_type.
func (c *Catalog) TypeCategory(ctx context.Context, typ string) (byte, error) {
	typ = normalizeType(typ)
	if v, ok := c.categories[typ]; ok {
		return v, nil
	}
	var cat string
	err := c.q.QueryRowContext(ctx, `
		SELECT t.typcategory
		FROM pg_catalog.pg_type t
		WHERE t.oid = $1::regtype`, typ).Scan(&cat)
	if errors.Is(err, sql.ErrNoRows) || cat == "" {
		c.categories[typ] = 'X'
		return 'X', nil
	}
	if err != nil {
		return 'X', fmt.Errorf("looking up type category of %s: %w", typ, err)
	}
	c.categories[typ] = cat[0]
	return cat[0], nil
}

// normalizeType folds common aliases so cache keys and regtype lookups
// agree.
func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch t {
	case "int", "int4":
		return "integer"
	case "int8":
		return "bigint"
	case "int2":
		return "smallint"
	case "bool":
		return "boolean"
	case "float8":
		return "double precision"
	case "float4":
		return "real"
	case "varchar":
		return "character varying"
	}
	return t
}

// Static is a canned Resolver for tests and offline runs. Unlisted pairs
// fall back to CoercionNone; unlisted types to category 'X', except a
// few built-in string types.
type Static struct {
	Casts      map[[2]string]Coercion
	Categories map[string]byte
}

// NewStatic returns a Static resolver preloaded with the string types.
func NewStatic() *Static {
	return &Static{
		Casts: map[[2]string]Coercion{},
		Categories: map[string]byte{
			"text": 'S', "character varying": 'S', "character": 'S', "name": 'S',
			"integer": 'N', "bigint": 'N', "smallint": 'N', "numeric": 'N',
			"double precision": 'N', "real": 'N',
			"boolean": 'B',
			"date":    'D', "timestamp": 'D', "timestamptz": 'D',
		},
	}
}

// Cast registers a coercion path.
func (s *Static) Cast(src, dst string, c Coercion) *Static {
	s.Casts[[2]string{normalizeType(src), normalizeType(dst)}] = c
	return s
}

// CoercionPath implements Resolver.
func (s *Static) CoercionPath(_ context.Context, src, dst string) (Coercion, error) {
	src, dst = normalizeType(src), normalizeType(dst)
	if src == dst || src == "unknown" || src == "" || dst == "" {
		return CoercionBinary, nil
	}
	if c, ok := s.Casts[[2]string{src, dst}]; ok {
		return c, nil
	}
	return CoercionNone, nil
}

// TypeCategory implements Resolver.
func (s *Static) TypeCategory(_ context.Context, typ string) (byte, error) {
	if c, ok := s.Categories[normalizeType(typ)]; ok {
		return c, nil
	}
	return 'X', nil
}
