package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/internal/expressions"
	"github.com/rendis/chanops/pkg/schema"
)

// validateSemantic checks what the schema cannot: blank names, duplicate
// channels, segment ordering, expression segments and their references,
// and disabled ranges.
func validateSemantic(def *schema.CollectionDefinition, compiler ExpressionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{Collection: def.Name}

	if strings.TrimSpace(def.Name) == "" {
		result.AddError("name", schema.ErrCodeValidation, "collection name is blank")
	}

	names := make(map[string]bool, len(def.Channels))
	for i, cd := range def.Channels {
		issues := result.Channel(i, cd.Name)
		if strings.TrimSpace(cd.Name) == "" {
			issues.Error("name", schema.ErrCodeValidation, "channel name is blank")
		}
		if names[cd.Name] {
			issues.Error("name", schema.ErrCodeConflict,
				fmt.Sprintf("channel %q defined twice", cd.Name))
		}
		names[cd.Name] = true
	}

	for i := range def.Channels {
		cd := &def.Channels[i]
		issues := result.Channel(i, cd.Name)
		if cd.Alias != "" && cd.Alias != cd.Name && names[cd.Alias] {
			issues.Warning("alias", schema.ErrCodeValidation,
				fmt.Sprintf("alias %q shadows another channel", cd.Alias))
		}
		validateSegments(cd, issues, names, compiler)
		validateDisabled(cd, issues)
	}
	return result
}

func validateSegments(cd *schema.ChannelDefinition, issues schema.IssueScope, names map[string]bool, compiler ExpressionCompiler) {
	last := len(cd.Segments) - 1
	for j, sd := range cd.Segments {
		seg := issues.Segment(j)
		if j > 0 && sd.Start <= cd.Segments[j-1].Start {
			seg.Error("start", schema.ErrCodeValidation,
				fmt.Sprintf("segment starts at %g, not after %g", sd.Start, cd.Segments[j-1].Start))
		}
		if j == last && sd.Length != 0 {
			seg.Warning("length", schema.ErrCodeValidation,
				"final segment length is ignored")
		}

		basis, _ := channel.ParseBasis(sd.Basis)
		switch {
		case sd.Expression == nil:
			if basis == channel.BasisExpression {
				seg.Error("expression", schema.ErrCodeValidation,
					"expression basis without expression")
			}
			continue
		case basis != channel.BasisExpression:
			seg.Warning("basis", schema.ErrCodeValidation,
				fmt.Sprintf("basis %q is replaced by expression", sd.Basis))
		}

		e := channel.Expression{Text: sd.Expression.Text, Language: sd.Expression.Language}
		if compiler != nil {
			if err := compiler.Compile(e); err != nil {
				code, msg := schema.ErrCodeExpression, err.Error()
				if ce, ok := schema.AsError(err); ok {
					code, msg = ce.Code, ce.Message
				}
				seg.Error("expression", code, msg)
			}
		}
		for _, ref := range expressions.References(e) {
			switch {
			case ref == cd.Name:
				seg.Warning("expression", schema.ErrCodeValidation,
					fmt.Sprintf("expression reads its own channel %q", ref))
			case !names[ref]:
				seg.Warning("expression", schema.ErrCodeNotFound,
					fmt.Sprintf("expression reads unknown channel %q", ref))
			}
		}
	}
}

func validateDisabled(cd *schema.ChannelDefinition, issues schema.IssueScope) {
	type span struct {
		idx        int
		start, end float64
	}
	spans := make([]span, 0, len(cd.Disabled))
	for k, dd := range cd.Disabled {
		if dd.End <= dd.Start {
			issues.Error(fmt.Sprintf("disabled[%d]", k), schema.ErrCodeValidation,
				fmt.Sprintf("disabled range [%g, %g) is empty", dd.Start, dd.End))
			continue
		}
		spans = append(spans, span{k, dd.Start, dd.End})
	}
	sort.Slice(spans, func(a, b int) bool { return spans[a].start < spans[b].start })
	for k := 1; k < len(spans); k++ {
		if spans[k].start < spans[k-1].end {
			issues.Warning(fmt.Sprintf("disabled[%d]", spans[k].idx), schema.ErrCodeValidation,
				"disabled range overlaps another and will be merged")
		}
	}
}
