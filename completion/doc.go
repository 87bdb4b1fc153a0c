// Package completion talks to language-model providers on behalf of the
// orchestrator.
//
// The orchestrator depends only on Provider: give it turns, get back one
// assistant turn. Client implements Provider by routing a Request to a
// registered Adapter through a middleware chain:
//
//	adapter, _ := completion.NewGollmAdapter("anthropic", completion.WithModel("claude-sonnet-4-5"))
//	client := completion.NewClient(
//	    completion.WithAdapter(adapter),
//	    completion.WithMiddleware(
//	        completion.LoggingMiddleware(log),
//	        completion.RetryMiddleware(completion.DefaultRetryPolicy()),
//	        completion.TimeoutMiddleware(2*time.Minute),
//	    ),
//	)
//	turn, err := client.Complete(ctx, turns, completion.SamplingParams{})
//
// Errors follow a small hierarchy rooted at SDKError; IsRetryable tells the
// retry middleware which ones are worth repeating.
package completion
