package probeinfo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	errEmptyExpr   = errors.New("empty expression")
	errBadOperand  = errors.New("operand is not an integer literal")
	errOverflow    = errors.New("value overflows int64")
	errEmptyFactor = errors.New("empty factor")
)

// EvalInt evaluates a bucket parameter. The accepted grammar is deliberately
// narrow:
//
//	expr   = factor { "*" factor }
//	factor = [ "+" | "-" ] digit { digit }
//
// Whitespace around factors is ignored. Anything else, including division,
// parentheses, names, and fractional numbers, is rejected.
func EvalInt(e Expr) (int64, error) {
	s := strings.TrimSpace(string(e))
	if s == "" {
		return 0, errEmptyExpr
	}

	var acc int64 = 1
	for _, part := range strings.Split(s, "*") {
		part = strings.TrimSpace(part)
		if part == "" {
			return 0, errEmptyFactor
		}
		if !isIntLiteral(part) {
			return 0, fmt.Errorf("%w: %q", errBadOperand, part)
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, errOverflow
		}
		if acc, err = mulChecked(acc, v); err != nil {
			return 0, err
		}
	}
	return acc, nil
}

func isIntLiteral(s string) bool {
	if s[0] == '+' || s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func mulChecked(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, errOverflow
	}
	p := a * b
	if p/b != a {
		return 0, errOverflow
	}
	return p, nil
}

// BucketExpressionError reports a bucket parameter that is not in the
// accepted grammar.
type BucketExpressionError struct {
	Probe string
	Field string // n_buckets, low or high
	Value Expr
	Err   error
}

func (e *BucketExpressionError) Error() string {
	return fmt.Sprintf("probe %s: %s=%q: %v", e.Probe, e.Field, string(e.Value), e.Err)
}

func (e *BucketExpressionError) Unwrap() error { return e.Err }
