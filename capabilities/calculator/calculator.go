// Package calculator implements the calculator capability:
//
//	calculator:calculate(op, a, b, ...)
//
// Supported operations are add, subtract, multiply, divide, power, sqrt, mod,
// min and max. Results are formatted without trailing zeros, so
// calculate(add,1,2) yields "3".
package calculator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/martinemde/capabot/callsyntax"
	"github.com/martinemde/capabot/capability"
	"github.com/martinemde/capabot/conversation"
)

// Slug is the capability name used in the default manifest.
const Slug = "calculator"

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrArity            = errors.New("wrong number of operands")
)

type operation struct {
	minArgs int
	maxArgs int // 0 means unbounded
	apply   func(xs []float64) (float64, error)
}

var operations = map[string]operation{
	"add": {minArgs: 1, apply: func(xs []float64) (float64, error) {
		sum := 0.0
		for _, x := range xs {
			sum += x
		}
		return sum, nil
	}},
	"subtract": {minArgs: 2, apply: func(xs []float64) (float64, error) {
		out := xs[0]
		for _, x := range xs[1:] {
			out -= x
		}
		return out, nil
	}},
	"multiply": {minArgs: 1, apply: func(xs []float64) (float64, error) {
		out := 1.0
		for _, x := range xs {
			out *= x
		}
		return out, nil
	}},
	"divide": {minArgs: 2, apply: func(xs []float64) (float64, error) {
		out := xs[0]
		for _, x := range xs[1:] {
			if x == 0 {
				return 0, ErrDivisionByZero
			}
			out /= x
		}
		return out, nil
	}},
	"power": {minArgs: 2, maxArgs: 2, apply: func(xs []float64) (float64, error) {
		return math.Pow(xs[0], xs[1]), nil
	}},
	"sqrt": {minArgs: 1, maxArgs: 1, apply: func(xs []float64) (float64, error) {
		if xs[0] < 0 {
			return 0, fmt.Errorf("square root of negative number %v", xs[0])
		}
		return math.Sqrt(xs[0]), nil
	}},
	"mod": {minArgs: 2, maxArgs: 2, apply: func(xs []float64) (float64, error) {
		if xs[1] == 0 {
			return 0, ErrDivisionByZero
		}
		return math.Mod(xs[0], xs[1]), nil
	}},
	"min": {minArgs: 1, apply: func(xs []float64) (float64, error) {
		out := xs[0]
		for _, x := range xs[1:] {
			out = math.Min(out, x)
		}
		return out, nil
	}},
	"max": {minArgs: 1, apply: func(xs []float64) (float64, error) {
		out := xs[0]
		for _, x := range xs[1:] {
			out = math.Max(out, x)
		}
		return out, nil
	}},
}

// Operations returns the supported operation names.
func Operations() []string {
	return []string{"add", "subtract", "multiply", "divide", "power", "sqrt", "mod", "min", "max"}
}

// Calculate applies op to the operands.
func Calculate(op string, operands []float64) (float64, error) {
	o, ok := operations[strings.ToLower(op)]
	if !ok {
		return 0, fmt.Errorf("%w %q (supported: %s)", ErrUnknownOperation, op, strings.Join(Operations(), ", "))
	}
	if len(operands) < o.minArgs || (o.maxArgs > 0 && len(operands) > o.maxArgs) {
		return 0, fmt.Errorf("%w for %s: got %d", ErrArity, op, len(operands))
	}
	out, err := o.apply(operands)
	if err != nil {
		return 0, err
	}
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return 0, fmt.Errorf("%s result is not a finite number", op)
	}
	return out, nil
}

// Format renders a result without exponent or trailing zeros.
func Format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Handler serves calculator:calculate.
type Handler struct{}

// New returns the calculator handler.
func New() *Handler {
	return &Handler{}
}

func (h *Handler) Handle(_ context.Context, method, rawArgs string, _ []conversation.Turn) (*capability.Result, error) {
	if method != "calculate" {
		return capability.Failed(capability.KindHandlerFault, fmt.Errorf("calculator has no method %q", method)), nil
	}
	args := callsyntax.SplitArgs(rawArgs)
	if len(args) == 0 {
		return capability.Failed(capability.KindHandlerFault, errors.New("usage: calculator:calculate(op, a, b, ...)")), nil
	}

	operands := make([]float64, 0, len(args)-1)
	for _, arg := range args[1:] {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return capability.Failed(capability.KindHandlerFault, fmt.Errorf("operand %q is not a number", arg)), nil
		}
		operands = append(operands, v)
	}

	out, err := Calculate(args[0], operands)
	if err != nil {
		return capability.Failed(capability.KindHandlerFault, err), nil
	}
	return capability.Succeeded(Format(out)), nil
}
