// Package builtin provides the tools every Parley deployment ships with:
// a clock and a small arithmetic evaluator. They exist so an agent can be
// exercised end to end without configuring an external MCP server.
//
// All handlers are safe for concurrent use.
package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parley-ai/parley/internal/tool"
)

// Toolkit returns the built-in toolkit ready for registration.
func Toolkit() tool.Toolkit {
	return tool.Toolkit{
		Name: "builtin",
		Tools: []tool.Tool{
			{
				Name:        "get_time",
				Description: "Get the current date and time, optionally in a named IANA time zone.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timezone": map[string]any{
							"type":        "string",
							"description": `IANA time zone name, e.g. "Europe/Berlin". Defaults to UTC.`,
						},
					},
				},
				Invoke: getTime,
			},
			{
				Name:        "calculate",
				Description: "Evaluate a basic arithmetic expression with +, -, * and /.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"expression": map[string]any{
							"type":        "string",
							"description": `The expression to evaluate, e.g. "12.5 * 4 - 3".`,
						},
					},
					"required": []string{"expression"},
				},
				Invoke: calculate,
			},
		},
	}
}

// getTime reports the current time, formatted for reading aloud.
func getTime(_ context.Context, args map[string]any) (any, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown time zone %q", tz)
		}
		loc = parsed
	}
	now := time.Now().In(loc)
	return map[string]any{
		"iso":      now.Format(time.RFC3339),
		"readable": now.Format("Monday, January 2, 2006 at 3:04 PM MST"),
	}, nil
}

// calculate evaluates a left-to-right expression with standard precedence
// for * and / over + and -. No parentheses.
func calculate(_ context.Context, args map[string]any) (any, error) {
	expr, _ := args["expression"].(string)
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("expression must not be empty")
	}

	result, err := evaluate(expr)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"expression": expr,
		"result":     result,
	}, nil
}

// evaluate tokenizes and folds the expression in two passes: * and / first,
// then + and -.
func evaluate(expr string) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens)%2 == 0 {
		return 0, fmt.Errorf("malformed expression %q", expr)
	}

	// Pass 1: collapse * and /.
	var values []float64
	var ops []byte
	values = append(values, tokens[0].value)
	for i := 1; i < len(tokens); i += 2 {
		op := tokens[i].op
		rhs := tokens[i+1].value
		switch op {
		case '*':
			values[len(values)-1] *= rhs
		case '/':
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			values[len(values)-1] /= rhs
		default:
			ops = append(ops, op)
			values = append(values, rhs)
		}
	}

	// Pass 2: fold + and -.
	result := values[0]
	for i, op := range ops {
		if op == '+' {
			result += values[i+1]
		} else {
			result -= values[i+1]
		}
	}
	return result, nil
}

type token struct {
	value float64
	op    byte
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	expectNumber := true
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ':
			i++
		case expectNumber:
			j := i
			if c == '-' || c == '+' {
				j++
			}
			for j < len(expr) && (expr[j] == '.' || (expr[j] >= '0' && expr[j] <= '9')) {
				j++
			}
			v, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number at %q", expr[i:])
			}
			tokens = append(tokens, token{value: v})
			i = j
			expectNumber = false
		case c == '+' || c == '-' || c == '*' || c == '/':
			tokens = append(tokens, token{op: c})
			i++
			expectNumber = true
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	if len(tokens) == 0 || expectNumber {
		return nil, fmt.Errorf("malformed expression %q", expr)
	}
	return tokens, nil
}
