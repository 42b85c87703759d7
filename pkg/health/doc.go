/*
Package health provides the readiness probes the bootstrap waits on.

Two checkers implement the Checker interface:

	TCPChecker   connect to host:port (the accounting store)
	ExecChecker  run a command and require exit 0 (sacctmgr, scontrol ping)

Wait drives a checker with a bounded attempt budget and a fixed interval.
Whether an exhausted wait is fatal is decided by the caller: the store and
slurmdbd waits abort startup, the post-start controller ping does not.
*/
package health
