// Package statestore is the single mutual-exclusion primitive guarding every
// read-modify-write of the shared JSON state files in a hive state directory.
//
// Workers are independent processes, so the lock is an advisory flock(2) on a
// per-key lock file rather than an in-process mutex. flock locks belong to the
// open file description, which means two goroutines of the same process that
// each open the lock file also exclude each other.
//
// Acquisition is bounded: [Store.WithLock] polls with backoff and gives up
// with a [errors.LockTimeoutError] once the configured timeout elapses.
// Writes staged inside the callback are committed only when the callback
// returns nil, each with write-temp-then-rename so a crash never leaves a
// half-written file behind.
//
// Usage:
//
//	store, err := statestore.Open(dir)
//	err = store.WithLock(ctx, "queue", func(tx *statestore.Tx) error {
//	    var q queueFile
//	    if _, err := tx.Read("queue.json", &q); err != nil {
//	        return err
//	    }
//	    // ... mutate q ...
//	    return tx.Write("queue.json", &q)
//	})
//
// Lock keys group files that must change together. By convention "queue"
// guards queue.json and retries.json, "session" guards session.json,
// "registry" guards workers.json, "ledger" guards ledger.jsonl and "mailbox"
// guards the mailbox inboxes.
package statestore
