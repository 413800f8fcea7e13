// Package mailbox carries messages between the supervisor and its workers.
//
// Workers may be separate processes, so messages are appended to JSONL
// inboxes in the state directory rather than sent over channels:
//
//	<state-dir>/mailbox/
//	    broadcast/index.jsonl     -- messages to every participant
//	    supervisor/index.jsonl    -- reports and shutdown responses
//	    {workerID}/index.jsonl    -- shutdown and push requests
//
// Appends go through the statestore "mailbox" lock so lines from concurrent
// processes never interleave.
//
// # Message Types
//
//   - [MessageShutdownRequest]: the supervisor asks a worker to stop
//   - [MessageShutdownResponse]: the worker acknowledges, see [ShutdownResponse]
//   - [MessageReport]: a worker's final report to the supervisor
//   - [MessagePushRequest]: the supervisor asks the git coordinator to push
//   - [MessagePushResponse]: the coordinator's answer, see [PushResponse]
//   - [MessageStatus]: free-form progress note
//
// # Basic Usage
//
//	mb := mailbox.NewMailbox(store)
//
//	msg, _ := mailbox.NewMessage("supervisor", "worker-1", mailbox.MessageShutdownRequest, nil)
//	_ = mb.Send(ctx, msg)
//
//	// In the worker: block until the request arrives.
//	req, err := mb.WaitFor(ctx, "worker-1", mailbox.OfType(mailbox.MessageShutdownRequest))
//
// [Mailbox.Watch] delivers every message of an inbox exactly once per call,
// starting with the ones already present. It is woken by fsnotify and falls
// back to polling, since file events are not delivered on every filesystem.
package mailbox
