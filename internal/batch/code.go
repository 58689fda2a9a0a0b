package batch

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rohankatakam/sterisafe/internal/errors"
)

// CodeGenerator derives the human-readable code assigned at finalization
type CodeGenerator interface {
	Generate(operator string, toolCount int) (string, error)
}

// CodeGeneratorFunc adapts a function to CodeGenerator
type CodeGeneratorFunc func(operator string, toolCount int) (string, error)

func (f CodeGeneratorFunc) Generate(operator string, toolCount int) (string, error) {
	return f(operator, toolCount)
}

// DefaultCodeGenerator produces codes of the form YYMMDD-OPS-NNN
type DefaultCodeGenerator struct {
	now func() time.Time
}

// NewCodeGenerator returns a generator stamped by now. A nil clock uses
// wall time.
func NewCodeGenerator(now func() time.Time) *DefaultCodeGenerator {
	if now == nil {
		now = time.Now
	}
	return &DefaultCodeGenerator{now: now}
}

const operatorCodeLength = 3

// Generate returns the code for operator and toolCount. The operator short
// code is the first three ASCII letters, upper-cased.
func (g *DefaultCodeGenerator) Generate(operator string, toolCount int) (string, error) {
	if toolCount < 0 {
		return "", errors.ValidationErrorf("tool count cannot be negative: %d", toolCount)
	}
	if toolCount > 999 {
		return "", errors.ValidationErrorf("tool count %d does not fit a three digit suffix", toolCount)
	}

	short := operatorCode(operator)
	if short == "" {
		return "", errors.ValidationErrorf("operator %q has no letters to derive a code from", operator)
	}

	stamp := g.now().UTC().Format("060102")
	return fmt.Sprintf("%s-%s-%03d", stamp, short, toolCount), nil
}

func operatorCode(operator string) string {
	var b strings.Builder
	for _, r := range operator {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
		if b.Len() == operatorCodeLength {
			break
		}
	}
	return b.String()
}
