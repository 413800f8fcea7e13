// Package logging provides structured logging for hive sessions.
//
// It wraps log/slog with a JSON handler writing to {stateDir}/debug.log so
// the supervisor and every worker process of a session land in one
// filterable file.
//
// # Context Propagation
//
//	logger, err := logging.NewLogger(stateDir, "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	wlog := logger.WithSession(id).WithWorker("worker-2").WithPhase("IMPL_ACTIVE")
//	wlog.Info("task claimed", "task_id", "t-3")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"task claimed","session_id":"...","worker_id":"worker-2","phase":"IMPL_ACTIVE","task_id":"t-3"}
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewWithWriter] with a bytes.Buffer
// to assert on emitted lines.
package logging
