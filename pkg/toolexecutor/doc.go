// Package toolexecutor turns a stream of proposed actions into outcomes.
//
// Invariants:
// - Fragments are coalesced into one complete action before anything runs.
// - Write and destructive tools never reach an adapter before an approval is recorded.
// - A bulk scope above the policy threshold is confirmed even under auto-approve.
// - An action is executed at most once per correlation id; re-delivery replays the outcome.
// - Outcomes are emitted in the order their actions completed assembly.
//
// Usage:
//
//	sess, _ := toolexecutor.NewSession(toolexecutor.SessionOptions{Credentials: creds, Schemas: syncer, Adapters: adapters})
//	engine, _ := toolexecutor.New(toolexecutor.Config{
//		Session:   sess,
//		Approvals: toolexecutor.NewApprovalManager(toolexecutor.NewCLIApprovalHandler(os.Stdin, os.Stdout)),
//	})
//	for outcome := range engine.Run(ctx, fragments) {
//		planner.Deliver(outcome)
//	}
package toolexecutor
