// Package subprocess spawns child processes and wires their standard
// input, output, and error streams to pipes, files, descriptors, or
// in-process byte streams, without deadlocking on large or slow I/O.
//
// The core type is Process, produced by Spawn from a Config built with
// functional options (Args, Stdin, Stdout, Stderr, Bufsize, ...).
package subprocess
