package pipeline

import (
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// AggregateFunction is a function reducing a group of rows to a value
type AggregateFunction string

const (
	AggregateSum   AggregateFunction = "sum"
	AggregateMin   AggregateFunction = "min"
	AggregateMax   AggregateFunction = "max"
	AggregateAvg   AggregateFunction = "avg"
	AggregateCount AggregateFunction = "count"
)

// Accumulator applies an aggregate function to a field and stores the result under Alias
type Accumulator struct {
	Function AggregateFunction `json:"function" validate:"required,oneof=sum min max avg count"`
	Field    string            `json:"field"`
	Alias    string            `json:"alias" validate:"required"`
}

// As returns a copy of the accumulator with the alias set
func (a Accumulator) As(alias string) Accumulator {
	a.Alias = alias
	return a
}

func Sum(field string) Accumulator {
	return Accumulator{Function: AggregateSum, Field: field}
}

func Avg(field string) Accumulator {
	return Accumulator{Function: AggregateAvg, Field: field}
}

func Min(field string) Accumulator {
	return Accumulator{Function: AggregateMin, Field: field}
}

func Max(field string) Accumulator {
	return Accumulator{Function: AggregateMax, Field: field}
}

// Count counts the rows where field is set, or every row if field is empty
func Count(field string) Accumulator {
	return Accumulator{Function: AggregateCount, Field: field}
}

func (a Accumulator) reduce(rows []Row) any {
	present := lo.Filter(rows, func(row Row, _ int) bool {
		return a.Field == "" || row.Get(a.Field) != nil
	})
	if a.Function == AggregateCount {
		return len(present)
	}
	if len(present) == 0 {
		return nil
	}
	values := lo.Map(present, func(row Row, _ int) float64 {
		return cast.ToFloat64(row.Get(a.Field))
	})
	switch a.Function {
	case AggregateSum:
		return sum(values)
	case AggregateAvg:
		return sum(values) / float64(len(values))
	case AggregateMin:
		return lo.Min(values)
	case AggregateMax:
		return lo.Max(values)
	}
	return nil
}

// Ordering sorts rows by a field
type Ordering struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

func Ascending(field string) Ordering {
	return Ordering{Field: field}
}

func Descending(field string) Ordering {
	return Ordering{Field: field, Descending: true}
}

func sum(values []float64) float64 {
	return lo.Reduce(values, func(acc, v float64, _ int) float64 { return acc + v }, 0)
}
