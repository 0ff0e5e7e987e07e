// Package planner implements a client-side admission-control scheduler for
// HTTP requests sent to an API that enforces both a rolling-window request
// limit (reported through response headers) and a cap on simultaneous
// in-flight requests.
//
// A Planner wraps an http.RoundTripper. Requests submitted through the
// wrapped transport wait in an admission queue and are dispatched one at a
// time by a single-slot timer whose deadline depends on the last reported
// rate state:
//
//	delay = (1 - index)^coefficient * (maxDelay + jitter)
//
// where index is the remaining capacity fraction plus the fraction of the
// window that has elapsed since the last dispatch.
//
// Responses with status 429 are retried transparently. A parallel-limit
// overflow (identified by an auth code header) lowers the effective parallel
// ceiling, which heals by one step per correction period without further
// overflows. A rate-limit overflow honors the retry-after hint.
//
// Callers that need to bound the amount of queued work can wait on a
// SlotTicket before submitting. Waiters are served strictly by priority
// (lower value first, ties by registration order). A granted ticket keeps
// its slot reserved until a request carrying it through WithSlot reaches the
// planner. WaitForFreeSlot grants without a reservation, for requests sent
// through some other path.
//
// Example:
//
//	p, err := planner.New(http.DefaultTransport, nil)
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//
//	client := p.Client()
//	for _, u := range urls {
//		ticket := p.RequestSlot(0)
//		if err := ticket.Wait(ctx); err != nil {
//			return err
//		}
//		go fetch(planner.WithSlot(ctx, ticket), client, u)
//	}
package planner
