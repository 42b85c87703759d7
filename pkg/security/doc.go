/*
Package security coordinates the cluster authentication key.

The key is 1024 random bytes shared by every node through the shared
filesystem. Its lifecycle has three states:

	absent ──(controller creates)──▶ present ──(every node copies)──▶ installed

Creation is race-free across nodes: the key is written to a temp file in the
target directory and published with a hard link, which fails if the path
already exists. The first link wins; every other creator discards its temp
file and reads the winner's key.

Every node then polls the shared path within a bounded budget until the key
is complete, and installs a copy at /etc/munge/munge.key with mode 0400 owned
by the munge identity. A key that never appears is a fatal startup error.

Logs only ever carry a short sha256 fingerprint of the key.
*/
package security
