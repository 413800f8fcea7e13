// Package taskqueue provides the shared task queue that workers claim work
// from.
//
// The queue is persisted in queue.json inside a hive state directory and
// every operation is one read-modify-write under the statestore "queue" lock.
// Workers in different processes each hold their own [Queue] handle; the lock
// guarantees that two concurrent [Queue.ClaimNext] calls never return the
// same task.
//
// Claims scan tasks in creation order (FIFO by Seq). A task is claimable when
// it is pending and every task in its BlockedBy list is completed. Failed
// attempts go to the retry queue (see package retry) in the same
// transaction, so a retry entry is visible to the very next claim scan.
//
// Usage:
//
//	q := taskqueue.New(store, taskqueue.WithPolicy(retry.Policy{MaxAttempts: 3}))
//
//	task, err := q.ClaimNext(ctx, "worker-1")
//	if task != nil {
//	    // ... execute task ...
//	    _, err = q.Release(ctx, "worker-1", task.ID, taskqueue.Succeeded())
//	}
package taskqueue
