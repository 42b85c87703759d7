// Package identity provisions the system accounts the cluster depends on:
// the munge and slurm service identities, an optional login identity that
// mirrors the host user, one login identity and work directory per tenant,
// and the admin group.
//
// Every operation checks the account databases first, so provisioning the
// same plan twice creates nothing the second time.
package identity
