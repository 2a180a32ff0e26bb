// Package pipeline evaluates filter, aggregate, sort and limit stages over documents
package pipeline

import (
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/model"
)

// Row is a single result of a pipeline
type Row map[string]any

// Get returns the value at the dot separated path
func (r Row) Get(path string) any {
	var current any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

type stage func(rows []Row) ([]Row, error)

// Pipeline is an ordered list of stages. Builder methods record the first error, which Execute returns.
type Pipeline struct {
	stages []stage
	err    error
}

// New returns an empty pipeline
func New() *Pipeline {
	return &Pipeline{}
}

// Compile compiles a boolean expression evaluated against a row
func Compile(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument, "invalid expression: %s", expression)
	}
	return program, nil
}

// Match reports whether the compiled expression is true for the fields. An expression that fails to
// evaluate, ie by comparing a missing field, does not match.
func Match(program *vm.Program, fields map[string]any) bool {
	if fields == nil {
		fields = map[string]any{}
	}
	out, err := expr.Run(program, fields)
	if err != nil {
		return false
	}
	return cast.ToBool(out)
}

// Where keeps the rows for which the expression is true
func (p *Pipeline) Where(expression string) *Pipeline {
	program, err := Compile(expression)
	if err != nil {
		if p.err == nil {
			p.err = err
		}
		return p
	}
	p.stages = append(p.stages, func(rows []Row) ([]Row, error) {
		return lo.Filter(rows, func(row Row, _ int) bool {
			return Match(program, row)
		}), nil
	})
	return p
}

// Aggregate groups rows by the values of the group fields and reduces each group with the accumulators.
// Each result row holds the group fields and one field per accumulator alias.
func (p *Pipeline) Aggregate(groups []string, accumulators ...Accumulator) *Pipeline {
	for _, acc := range accumulators {
		if acc.Alias == "" {
			if p.err == nil {
				p.err = errors.New(errors.InvalidArgument, "accumulator %s(%s) has no alias", acc.Function, acc.Field)
			}
			return p
		}
	}
	p.stages = append(p.stages, func(rows []Row) ([]Row, error) {
		grouped := lo.GroupBy(rows, func(row Row) string {
			values := lo.Map(groups, func(field string, _ int) string {
				return cast.ToString(row.Get(field))
			})
			return strings.Join(values, "\x00")
		})
		keys := lo.Keys(grouped)
		sort.Strings(keys)
		var results []Row
		for _, key := range keys {
			group := grouped[key]
			result := Row{}
			for _, field := range groups {
				result[field] = group[0].Get(field)
			}
			for _, acc := range accumulators {
				result[acc.Alias] = acc.reduce(group)
			}
			results = append(results, result)
		}
		return results, nil
	})
	return p
}

// Sort orders rows by the orderings, the first ordering taking precedence
func (p *Pipeline) Sort(orderings ...Ordering) *Pipeline {
	p.stages = append(p.stages, func(rows []Row) ([]Row, error) {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, o := range orderings {
				c := compare(rows[i].Get(o.Field), rows[j].Get(o.Field))
				if c == 0 {
					continue
				}
				if o.Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
		return rows, nil
	})
	return p
}

// Limit keeps the first n rows
func (p *Pipeline) Limit(n int) *Pipeline {
	p.stages = append(p.stages, func(rows []Row) ([]Row, error) {
		if n >= 0 && len(rows) > n {
			return rows[:n], nil
		}
		return rows, nil
	})
	return p
}

// Execute runs the stages over the fields of the documents that exist
func (p *Pipeline) Execute(docs []*model.Document) ([]Row, error) {
	if p.err != nil {
		return nil, p.err
	}
	var rows []Row
	for _, doc := range docs {
		if doc == nil || !doc.Exists() {
			continue
		}
		rows = append(rows, doc.Fields())
	}
	return p.run(rows)
}

// ExecuteRows runs the stages over raw rows
func (p *Pipeline) ExecuteRows(rows []Row) ([]Row, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.run(append([]Row{}, rows...))
}

func (p *Pipeline) run(rows []Row) ([]Row, error) {
	var err error
	for _, s := range p.stages {
		rows, err = s(rows)
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// compare orders nil first, then numbers, then everything else as strings
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	af, aerr := cast.ToFloat64E(a)
	bf, berr := cast.ToFloat64E(b)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(cast.ToString(a), cast.ToString(b))
}
