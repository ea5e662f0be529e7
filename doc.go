// Package subprocess spawns and controls POSIX child processes: it streams
// data through non-blocking pipes, reports termination asynchronously from a
// dedicated waitpid thread, and supports context-based cancellation of any
// task waiting on a child.
//
// The package does not search PATH, does not change the child's working
// directory, and does not merge one stream into another. Callers that wait
// for termination without draining a pipe the child has filled may deadlock;
// the package does not hide that.
package subprocess
