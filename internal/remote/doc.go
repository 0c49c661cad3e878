// Package remote runs commands and moves files on compute hosts over SSH.
//
// Every operation borrows a connection from an [sshpool.Pool] and returns it
// when done, whatever the outcome. When the host's pool is exhausted the
// operation waits with exponential backoff until a connection frees up or
// its context ends.
//
// Files are written by piping them into "cat > path" on the host and read
// by streaming "cat path" into a local temporary file that is renamed into
// place. Remote paths may start with "~/", which is expanded by the remote
// shell.
//
// # Log Prefixes
//
//   - [remote] transfers and slow commands
package remote
