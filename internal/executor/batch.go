package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harrison/actuator/internal/action"
)

// DefaultMaxConcurrency bounds parallel actions in a batch when the caller
// does not say otherwise. Actions on the same resource serialize through
// leases regardless, so this only limits genuinely independent work.
const DefaultMaxConcurrency = 4

// BatchResult pairs a request with its result, preserving submission order.
type BatchResult struct {
	Index   int
	Request *action.Request
	Result  *action.Result
}

// BatchSummary aggregates a batch run.
type BatchSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Duration  time.Duration
	Results   []BatchResult
}

// ExecuteAll runs the requests with bounded parallelism and returns results
// in submission order. Cancellation stops launching new actions; actions
// already in flight run to their own terminal results. Requests that never
// launched come back as failed results without being recorded, since they
// were never accepted.
func (e *ActionExecutor) ExecuteAll(ctx context.Context, reqs []*action.Request, maxConcurrency int) *BatchSummary {
	start := e.clock()
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	summary := &BatchSummary{Total: len(reqs)}
	if len(reqs) == 0 {
		return summary
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, maxConcurrency)
	resultsCh := make(chan BatchResult, len(reqs))
	launched := make([]bool, len(reqs))

	for i, req := range reqs {
		// Check context before acquiring a slot to avoid blocking on a
		// canceled batch.
		select {
		case <-ctx.Done():
			goto launchComplete
		case semaphore <- struct{}{}:
		}

		launched[i] = true
		wg.Add(1)
		go func(i int, req *action.Request) {
			defer wg.Done()
			defer func() { <-semaphore }()
			res := e.ExecuteAction(ctx, req)
			resultsCh <- BatchResult{Index: i, Request: req, Result: res}
		}(i, req)
	}

launchComplete:
	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	for br := range resultsCh {
		summary.Results = append(summary.Results, br)
	}

	for i, req := range reqs {
		if launched[i] {
			continue
		}
		id := ""
		if req != nil {
			id = req.ID
		}
		summary.Results = append(summary.Results, BatchResult{
			Index:   i,
			Request: req,
			Result:  action.Failed(id, action.ErrTimeout, "batch canceled before this action started"),
		})
	}

	sort.Slice(summary.Results, func(a, b int) bool {
		return summary.Results[a].Index < summary.Results[b].Index
	})

	for i := range summary.Results {
		if r := summary.Results[i].Result; r != nil && r.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	summary.Duration = e.clock().Sub(start)
	e.logger.LogInfo(fmt.Sprintf("batch complete: %d/%d succeeded in %v",
		summary.Succeeded, summary.Total, summary.Duration.Round(time.Millisecond)))
	return summary
}
