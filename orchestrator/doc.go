// Package orchestrator runs the capability-invocation loop.
//
// The model answers in plain text. When its reply contains a call of the form
// slug:method(args), the loop dispatches the first such call, appends the
// rendered result as a system turn and asks the model again. The loop ends
// when a reply contains no call, when MaxCapabilityCalls is exceeded (a notice
// is appended instead of dispatching) or when the last turn carries an
// attachment.
//
// Before each completion the request is checked against the token budget:
// past TokenLimit-WarningBuffer the model is told once to stop calling
// capabilities and summarise, and past TokenLimit the request (not the
// conversation) is shortened.
//
// Faults inside an attempt restart the whole run from the caller's original
// turns, MaxRetryCount times at most, without backoff:
//
//	loop, _ := orchestrator.New(client, dispatcher, orchestrator.WithPreamble(assembler))
//	turns, err := loop.Run(ctx, []conversation.Turn{conversation.NewUserTurn(text)},
//	    orchestrator.RunContext{Identity: userID})
//	var fault *orchestrator.LoopFault
//	if errors.As(err, &fault) {
//	    // show a generic failure message
//	}
package orchestrator
