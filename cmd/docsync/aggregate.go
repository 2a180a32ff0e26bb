package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/pipeline"
	"github.com/autom8ter/docsync/util"
)

const defaultAggregateTemplate = `{{ range . }}{{ toCompactJson . }}
{{ end }}`

// parseAccumulator parses function:field[:alias], ie avg:rating:avgRating. The alias defaults to function_field.
func parseAccumulator(arg string) (pipeline.Accumulator, error) {
	parts := strings.Split(arg, ":")
	if len(parts) > 3 {
		return pipeline.Accumulator{}, errors.New(errors.InvalidArgument, "invalid accumulator %q", arg)
	}
	acc := pipeline.Accumulator{Function: pipeline.AggregateFunction(parts[0])}
	if len(parts) > 1 {
		acc.Field = parts[1]
	}
	acc.Alias = strings.Trim(fmt.Sprintf("%s_%s", acc.Function, strings.ReplaceAll(acc.Field, ".", "_")), "_")
	if len(parts) == 3 {
		acc.Alias = parts[2]
	}
	if err := util.ValidateStruct(acc); err != nil {
		return pipeline.Accumulator{}, errors.Wrap(err, 0, "invalid accumulator %q", arg)
	}
	return acc, nil
}

// parseOrdering parses field or -field for descending order
func parseOrdering(arg string) pipeline.Ordering {
	if strings.HasPrefix(arg, "-") {
		return pipeline.Descending(strings.TrimPrefix(arg, "-"))
	}
	return pipeline.Ascending(arg)
}

type aggregateOptions struct {
	where        string
	groups       []string
	accumulators []string
	having       string
	sort         []string
	limit        int
}

func (o aggregateOptions) pipeline() (*pipeline.Pipeline, error) {
	p := pipeline.New()
	if o.where != "" {
		p = p.Where(o.where)
	}
	if len(o.groups) > 0 || len(o.accumulators) > 0 {
		var accs []pipeline.Accumulator
		for _, arg := range o.accumulators {
			acc, err := parseAccumulator(arg)
			if err != nil {
				return nil, err
			}
			accs = append(accs, acc)
		}
		p = p.Aggregate(o.groups, accs...)
	}
	if o.having != "" {
		p = p.Where(o.having)
	}
	if len(o.sort) > 0 {
		var orderings []pipeline.Ordering
		for _, arg := range o.sort {
			orderings = append(orderings, parseOrdering(arg))
		}
		p = p.Sort(orderings...)
	}
	if o.limit >= 0 {
		p = p.Limit(o.limit)
	}
	return p, nil
}

func aggregateCmd() *cobra.Command {
	var (
		opts aggregateOptions
		text string
	)
	cmd := &cobra.Command{
		Use:   "aggregate <rows>",
		Short: "run an aggregation pipeline over a yaml or json list of rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []pipeline.Row
			if _, err := readFile(args[0], &rows); err != nil {
				return err
			}
			p, err := opts.pipeline()
			if err != nil {
				return err
			}
			results, err := p.ExecuteRows(rows)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), text, results)
		},
	}
	cmd.Flags().StringVar(&opts.where, "where", "", "expression rows must match before grouping, ie 'published < 1984'")
	cmd.Flags().StringSliceVar(&opts.groups, "group", nil, "fields to group by")
	cmd.Flags().StringArrayVar(&opts.accumulators, "acc", nil, "accumulator as function:field[:alias] (repeatable)")
	cmd.Flags().StringVar(&opts.having, "having", "", "expression groups must match")
	cmd.Flags().StringSliceVar(&opts.sort, "sort", nil, "fields to sort by, prefixed with - for descending order")
	cmd.Flags().IntVar(&opts.limit, "limit", -1, "maximum number of results")
	cmd.Flags().StringVar(&text, "template", defaultAggregateTemplate, "output template (sprig functions available)")
	return cmd
}
