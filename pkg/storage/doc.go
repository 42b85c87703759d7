/*
Package storage keeps a small local journal of bootstrap activity in BoltDB.

Three buckets hold JSON values:

	runs      one record per orchestrator start, keyed by a UUID
	renders   last digest written per configuration path
	entities  accounting entities confirmed present, keyed by kind/name

The journal is informational. Bootstrap decisions never depend on it; it
answers "what happened on this node" for the status command. Writers hold
the file lock only while recording, so status can read while daemons run.
*/
package storage
