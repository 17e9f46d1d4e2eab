// Package tools implements the stateless tool harness and the concrete
// stateless tools registered with no resource type: websearch, fetch,
// document search, and data analysis.
package tools

import (
	"context"
	"fmt"

	"github.com/stacklok/sandboxd/pkg/errors"
	"github.com/stacklok/sandboxd/pkg/logger"
)

// BusinessError is the distinguished "expected" failure a Tool.Execute can
// raise: the harness reports it as a business_failure error carrying the
// tool's own message and data, instead of a generic internal-error wrapper.
type BusinessError struct {
	Message string
	Data    interface{}
}

func (e *BusinessError) Error() string { return e.Message }

// NewBusinessError builds a BusinessError.
func NewBusinessError(message string, data interface{}) *BusinessError {
	return &BusinessError{Message: message, Data: data}
}

// Tool is a stateless tool's business logic, set up once at registration
// time with whatever config section the registry extracted for it.
type Tool interface {
	// Execute runs the tool's core logic. A *BusinessError produces a
	// targeted business_failure error; any other error produces a generic
	// execution_error.
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// Configurable tools receive the "apis.<config_key>" configuration
// subsection extracted for them at registration time.
type Configurable interface {
	SetConfig(config map[string]interface{})
}

var sensitiveKeys = map[string]struct{}{
	"config": {}, "api_key": {}, "jina_api_key": {}, "serper_api_key": {}, "openai_api_key": {},
	"session_info": {}, "session_id": {}, "trace_id": {},
}

// sanitizeInputs drops sensitive keys and truncates long values so a tool
// call's params are safe to log and safe to echo back in a response.
func sanitizeInputs(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if _, skip := sensitiveKeys[k]; skip {
			continue
		}
		switch val := v.(type) {
		case string:
			if len(val) > 500 {
				out[k] = val[:500] + "...[Truncated]"
			} else {
				out[k] = val
			}
		case []interface{}:
			if len(val) > 10 {
				out[k] = fmt.Sprintf("List(len=%d)", len(val))
			} else {
				out[k] = val
			}
		case map[string]interface{}:
			if len(val) > 10 {
				out[k] = fmt.Sprintf("Dict(len=%d)", len(val))
			} else {
				out[k] = val
			}
		default:
			out[k] = v
		}
	}
	return out
}

// Handler wraps tool with the uniform infrastructure: timing is handled by
// the dispatcher's envelope construction, so this only needs to produce a
// (data, error) pair — input sanitisation, business-error targeting, and
// generic-error wrapping.
func Handler(name string, tool Tool) func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		logParams := sanitizeInputs(params)
		logger.Infof("[%s] started, params=%v", name, logParams)

		result, err := tool.Execute(ctx, params)
		if err != nil {
			var bizErr *BusinessError
			if asBusinessError(err, &bizErr) {
				logger.Warnf("[%s] business error: %s", name, bizErr.Message)
				return nil, errors.NewBusinessFailureError(bizErr.Message, err).
					WithData(map[string]interface{}{"inputs": logParams, "details": dataOrMessage(bizErr)})
			}
			logger.Errorf("[%s] unexpected error: %v", name, err)
			return nil, errors.NewExecutionError(fmt.Sprintf("Internal system error: %v", err), err).
				WithData(map[string]interface{}{"inputs": logParams, "details": err.Error()})
		}

		response := map[string]interface{}{"result": result, "inputs": logParams}
		if asMap, ok := result.(map[string]interface{}); ok {
			if _, hasResult := asMap["result"]; hasResult {
				response = map[string]interface{}{}
				for k, v := range asMap {
					response[k] = v
				}
				response["inputs"] = logParams
			}
		}
		return response, nil
	}
}

func asBusinessError(err error, target **BusinessError) bool {
	if be, ok := err.(*BusinessError); ok {
		*target = be
		return true
	}
	return false
}

func dataOrMessage(e *BusinessError) interface{} {
	if e.Data != nil {
		return e.Data
	}
	return e.Message
}
