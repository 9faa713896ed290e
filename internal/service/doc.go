// Package service runs ansible-pull under supervision.
//
// Supervisor is the run loop. It holds the single instance lock, builds the
// command line, runs it through a Runner, parses the output and reports the
// outcome. A first attempt which failed to sync the git repository is
// retried once from a fresh clone.
//
// Runner starts one process in its own process group and polls it:
//
//	Runner.Run              pump goroutine           reaper goroutine
//	    |                        |                         |
//	    | os.Pipe + Start        |                         |
//	    |----------------------->| read lines              |
//	    |<-------- queue --------|                         | cmd.Wait()
//	    | drain every tick       |                         |
//	    |<---------------------------------- exited -------|
//	    | drain remaining output |                         |
//	    | Killer.Kill on timeout or cancel                 |
//	    | close pipe, wait for both                        |
//
// Invariants:
//   - stdout and stderr share one pipe and keep their relative order
//   - the queue is drained by Run only, lines are never lost after the process ends
//   - a timed out or cancelled run always kills the whole process tree
//   - Run returns only after both goroutines finished
package service
