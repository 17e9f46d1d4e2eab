package vmpool

import (
	"context"
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"
)

// evalEnv is the environment an evaluator runs against: enough of the
// session's live state for a getter to extract a comparable value.
type evalEnv struct {
	controller *Controller
	state      *sessionState
}

// GetterFunc extracts a piece of comparable state from the VM, given the
// getter config's own fields (beyond "type").
type GetterFunc func(ctx context.Context, env *evalEnv, cfg map[string]interface{}) (interface{}, error)

// MetricFunc scores an actual value (and, for two-argument metrics, an
// expected value) against per-call options, returning a score in [0, 1].
type MetricFunc func(actual, expected interface{}, options map[string]interface{}) (float64, error)

var getters = map[string]GetterFunc{
	"accessibility_tree": func(ctx context.Context, env *evalEnv, _ map[string]interface{}) (interface{}, error) {
		return env.controller.AccessibilityTree(ctx)
	},
	"last_action": func(_ context.Context, env *evalEnv, _ map[string]interface{}) (interface{}, error) {
		return env.state.lastAction, nil
	},
	"json_field": func(ctx context.Context, env *evalEnv, cfg map[string]interface{}) (interface{}, error) {
		tree, err := env.controller.AccessibilityTree(ctx)
		if err != nil {
			return nil, err
		}
		path, _ := cfg["path"].(string)
		return gjson.Get(tree, path).Value(), nil
	},
}

var metrics = map[string]MetricFunc{
	"exact_match": func(actual, expected interface{}, _ map[string]interface{}) (float64, error) {
		if reflect.DeepEqual(actual, expected) {
			return 1.0, nil
		}
		return 0.0, nil
	},
	"contains": func(actual, expected interface{}, _ map[string]interface{}) (float64, error) {
		actualStr, _ := actual.(string)
		expectedStr, _ := expected.(string)
		if expectedStr != "" && len(actualStr) >= len(expectedStr) {
			for i := 0; i+len(expectedStr) <= len(actualStr); i++ {
				if actualStr[i:i+len(expectedStr)] == expectedStr {
					return 1.0, nil
				}
			}
		}
		return 0.0, nil
	},
	"nonempty": func(actual, _ interface{}, _ map[string]interface{}) (float64, error) {
		if actual == nil {
			return 0.0, nil
		}
		if s, ok := actual.(string); ok && s == "" {
			return 0.0, nil
		}
		return 1.0, nil
	},
}

func resolveGetter(getterType string) (GetterFunc, error) {
	fn, ok := getters[getterType]
	if !ok {
		return nil, fmt.Errorf("unknown getter type: %s", getterType)
	}
	return fn, nil
}

func resolveMetric(name string) (MetricFunc, error) {
	fn, ok := metrics[name]
	if !ok {
		return nil, fmt.Errorf("unknown metric function: %s", name)
	}
	return fn, nil
}

// normalizeEvalList broadcasts a scalar to expectedLen copies, or validates
// a list already has expectedLen entries.
func normalizeEvalList(value interface{}, expectedLen int) ([]interface{}, error) {
	if list, ok := value.([]interface{}); ok {
		if len(list) != expectedLen {
			return nil, fmt.Errorf("evaluator list lengths do not match")
		}
		return list, nil
	}
	out := make([]interface{}, expectedLen)
	for i := range out {
		out[i] = value
	}
	return out, nil
}

// evaluatorDetail is one per-metric entry in an evaluate result.
type evaluatorDetail struct {
	Func     string      `json:"func"`
	Score    float64     `json:"score"`
	Result   interface{} `json:"result"`
	Expected interface{} `json:"expected"`
}

// runEvaluator scores a structured evaluator spec against env, combining
// per-index scores by conj: "and" short-circuits to 0 on the first zero
// (mean over evaluated entries otherwise); "or" short-circuits to 1 on the
// first one (max otherwise).
func runEvaluator(ctx context.Context, env *evalEnv, evaluator map[string]interface{}) (float64, []float64, []evaluatorDetail, error) {
	funcs, ok := evaluator["func"]
	if !ok || funcs == nil {
		return 0, nil, nil, fmt.Errorf("evaluator.func is required")
	}
	var funcList []interface{}
	if list, ok := funcs.([]interface{}); ok {
		funcList = list
	} else {
		funcList = []interface{}{funcs}
	}

	resultsCfg, ok := evaluator["result"]
	if !ok {
		return 0, nil, nil, fmt.Errorf("evaluator.result is required")
	}
	resultsCfgList, err := normalizeEvalList(resultsCfg, len(funcList))
	if err != nil {
		return 0, nil, nil, err
	}

	var expectedCfgList []interface{}
	if expectedCfg, ok := evaluator["expected"]; ok && expectedCfg != nil {
		expectedCfgList, err = normalizeEvalList(expectedCfg, len(funcList))
		if err != nil {
			return 0, nil, nil, err
		}
	} else {
		expectedCfgList = make([]interface{}, len(funcList))
	}

	optionsCfg := evaluator["options"]
	optionsList, err := normalizeEvalList(optionsCfg, len(funcList))
	if err != nil {
		return 0, nil, nil, err
	}

	conj, _ := evaluator["conj"].(string)
	if conj == "" {
		conj = "and"
	}

	var scores []float64
	var details []evaluatorDetail
	finalScore := 0.0
	shortCircuited := false

	for idx, funcNameRaw := range funcList {
		funcName, _ := funcNameRaw.(string)
		metricFn, err := resolveMetric(funcName)
		if err != nil {
			return 0, nil, nil, err
		}

		resultGetterCfg, _ := resultsCfgList[idx].(map[string]interface{})
		resultGetter, err := resolveGetter(fmt.Sprintf("%v", resultGetterCfg["type"]))
		if err != nil {
			return 0, nil, nil, err
		}
		resultState, err := resultGetter(ctx, env, resultGetterCfg)
		if err != nil {
			return 0, nil, nil, err
		}

		var expectedState interface{}
		if expectedGetterCfg, ok := expectedCfgList[idx].(map[string]interface{}); ok && expectedGetterCfg != nil {
			expectedGetter, err := resolveGetter(fmt.Sprintf("%v", expectedGetterCfg["type"]))
			if err != nil {
				return 0, nil, nil, err
			}
			expectedState, err = expectedGetter(ctx, env, expectedGetterCfg)
			if err != nil {
				return 0, nil, nil, err
			}
		}

		options, _ := optionsList[idx].(map[string]interface{})
		score, err := metricFn(resultState, expectedState, options)
		if err != nil {
			return 0, nil, nil, err
		}

		scores = append(scores, score)
		details = append(details, evaluatorDetail{Func: funcName, Score: score, Result: resultState, Expected: expectedState})

		if conj == "and" && score == 0.0 {
			finalScore, shortCircuited = 0.0, true
			break
		}
		if conj == "or" && score == 1.0 {
			finalScore, shortCircuited = 1.0, true
			break
		}
	}

	if !shortCircuited {
		if conj == "and" {
			sum := 0.0
			for _, s := range scores {
				sum += s
			}
			if len(scores) > 0 {
				finalScore = sum / float64(len(scores))
			}
		} else {
			for _, s := range scores {
				if s > finalScore {
					finalScore = s
				}
			}
		}
	}

	return finalScore, scores, details, nil
}
