package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/sandboxd/pkg/envelope"
	sberrors "github.com/stacklok/sandboxd/pkg/errors"
)

// Action is a single entry in a batch execute request.
type Action struct {
	Action  string
	Params  map[string]interface{}
	Timeout time.Duration
}

// BatchRequest is a whole-batch invocation.
type BatchRequest struct {
	Actions      []Action
	WorkerID     string
	Parallel     bool
	StopOnError  bool
	TraceID      string
}

// BatchResult aggregates per-action envelopes plus summary counts.
type BatchResult struct {
	Results      []envelope.Envelope
	Total        int
	Executed     int
	SuccessCount int
}

// ExecuteBatch runs every action in req, either sequentially (stopping
// early on the first failure when req.StopOnError is set) or in parallel
// (always running every action), and returns an aggregate envelope whose
// code reflects whether all, some, or none of the actions succeeded.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, req BatchRequest) envelope.Envelope {
	timer := envelope.NewTimer()
	var results []envelope.Envelope

	if req.Parallel {
		results = make([]envelope.Envelope, len(req.Actions))
		var wg sync.WaitGroup
		for i, item := range req.Actions {
			wg.Add(1)
			go func(i int, item Action) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						results[i] = envelope.BuildError(ctx, sberrors.Code(sberrors.ErrUnexpectedError),
							fmt.Sprintf("%v", r), nil, item.Action, envelope.Options{})
					}
				}()
				results[i] = d.Execute(ctx, Request{
					Action: item.Action, Params: item.Params, WorkerID: req.WorkerID,
					Timeout: item.Timeout, TraceID: req.TraceID,
				})
			}(i, item)
		}
		wg.Wait()
	} else {
		for _, item := range req.Actions {
			res := d.Execute(ctx, Request{
				Action: item.Action, Params: item.Params, WorkerID: req.WorkerID,
				Timeout: item.Timeout, TraceID: req.TraceID,
			})
			results = append(results, res)
			if req.StopOnError && res.Code != 0 {
				break
			}
		}
	}

	successCount := 0
	for _, r := range results {
		if r.Code == 0 {
			successCount++
		}
	}
	total := len(req.Actions)
	executed := len(results)
	elapsed := timer.ElapsedMsPtr()

	data := map[string]interface{}{
		"results":       results,
		"total":         total,
		"executed":      executed,
		"success_count": successCount,
	}

	switch {
	case successCount == executed && executed == total:
		return envelope.BuildSuccess(ctx, data, "batch:execute", envelope.Options{ExecutionTimeMs: elapsed, TraceID: req.TraceID})
	case successCount == 0:
		return envelope.BuildError(ctx, sberrors.Code(sberrors.ErrAllRequestsFailed), "All actions failed", data, "batch:execute",
			envelope.Options{ExecutionTimeMs: elapsed, TraceID: req.TraceID})
	default:
		return envelope.BuildError(ctx, sberrors.Code(sberrors.ErrPartialFailure),
			fmt.Sprintf("%d out of %d actions failed", executed-successCount, executed), data, "batch:execute",
			envelope.Options{ExecutionTimeMs: elapsed, TraceID: req.TraceID})
	}
}
