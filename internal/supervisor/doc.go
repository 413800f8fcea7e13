// Package supervisor drives a hive session from task list to DONE.
//
// The supervisor is single-threaded with respect to phases: [Supervisor.Run]
// loads the stored phase, runs it to completion and asks the phase machine
// for the next one. While a phase runs, the heartbeat monitor polls the
// registry on its own goroutine and the supervisor inbox is watched for
// worker reports and handshake responses; both feed the phase loop through
// channels.
//
// Workers are started through a [Spawner]. The in-process spawner runs them
// as goroutines and is used by tests and by single-machine runs; the process
// spawner re-executes the hive binary as `hive worker`. Both share nothing
// with the supervisor except the state directory.
package supervisor
