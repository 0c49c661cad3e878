// Package sshpool keeps a bounded cache of live SSH connections per compute
// host.
//
// # Capacity
//
// Every host has a capacity taken from the host catalog. The pool never
// holds more than that many connections to a host, counting both idle
// connections and those checked out by callers. [Pool.Acquire] does not wait
// for a slot: it returns [ErrExhausted] and leaves the retry policy to the
// caller (see internal/remote).
//
// # Liveness
//
// A connection is probed when it leaves the idle list and when it is
// returned. The probe sends a keepalive@openssh.com global request and runs
// "echo ping" within a short timeout. A connection that fails either probe
// is closed and never pooled again; its slot is freed. Probe failures are
// logged, not returned.
//
// # Lifecycle
//
// One Pool is created per run and passed explicitly to its users.
// [Pool.CloseAll] closes every idle connection at the end of the run;
// connections still checked out are closed when released.
//
// # Log Prefixes
//
//   - [pool] connection opened, discarded or closed
package sshpool
