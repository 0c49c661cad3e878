// Package sshkeys builds the SSH client authentication and host key
// verification used to reach compute hosts.
//
// # Authentication
//
// [AuthMethods] assembles, in order of preference:
//
//  1. The running ssh-agent (SSH_AUTH_SOCK), if any.
//  2. Private key files: the paths from SIMFLEET_SSH_KEYS, or the usual
//     ~/.ssh/id_ed25519, ~/.ssh/id_ecdsa and ~/.ssh/id_rsa when none are set.
//     Missing default keys are skipped; a missing explicit key is an error.
//     Passphrase-protected keys are skipped with a warning (use the agent).
//  3. A password from SIMFLEET_SSH_PASSWORD, if set.
//
// # Host Keys
//
// [HostKeyCallback] verifies host keys against a known_hosts file. Unknown
// hosts are accepted and their fingerprint logged unless strict checking is
// enabled; a key that contradicts a known_hosts entry is always rejected.
// Without a known_hosts file, strict mode fails and relaxed mode logs every
// host's fingerprint (trust on first use for the lifetime of the run).
//
// # Log Prefixes
//
// All log output uses the [sshkeys] prefix.
package sshkeys
