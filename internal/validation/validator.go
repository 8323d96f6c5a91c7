package validation

import (
	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/pkg/schema"
)

// Validator checks collection documents before they are loaded into a
// channel.Manager.
type Validator interface {
	ValidateDefinition(def *schema.CollectionDefinition) error
	Validate(def *schema.CollectionDefinition) *schema.ValidationResult
}

// ExpressionCompiler reports whether an expression segment would compile.
// Satisfied by expressions.ChannelEvaluator.
type ExpressionCompiler interface {
	Compile(e channel.Expression) error
}
