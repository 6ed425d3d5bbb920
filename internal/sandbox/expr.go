package sandbox

import (
	"context"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"
)

// ExprLanguage is the gval language the kernel evaluates trigger
// predicates and other lightweight boolean conditions in. It is
// deliberately NOT the goja VM: predicates run on every event append and
// must be cheap and side-effect-free, so they get a restricted
// expression language instead of a full script engine (spec.md §9
// "safe expression evaluator").
var ExprLanguage = gval.Full(jsonpath.PlaceholderExtension())

// EvalPredicate evaluates a gval boolean expression against vars,
// returning false (never erroring the caller out of the whole trigger
// registry) if the expression fails to parse or evaluate — a malformed
// predicate simply never matches.
func EvalPredicate(expr string, vars map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}
	v, err := ExprLanguage.Evaluate(expr, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, nil
	}
	return b, nil
}

// EvalJSONPath extracts a value from a JSON document using a JSONPath
// expression, without a full script call. Nothing else in the kernel
// calls it; the TriggerRegistry matches predicates with EvalPredicate.
func EvalJSONPath(ctx context.Context, doc any, path string) (any, error) {
	eval, err := jsonpath.New(path)
	if err != nil {
		return nil, err
	}
	return eval(ctx, doc)
}

// QueryJSON runs a gjson path query against raw JSON bytes, for quick
// field lookups without parsing the whole document into a map. Nothing
// else in the kernel calls it; query_kernel reads its params directly.
func QueryJSON(raw []byte, path string) gjson.Result {
	return gjson.GetBytes(raw, path)
}
