/*
Package render turns the resolved topology and tenant registry into the
scheduler configuration files.

The configuration is modeled as a typed Document (node lines, partitions,
GRES declarations, isolation plugins) and serialized through embedded
text/template files. Nothing is substituted textually, so a tenant or node
name can never collide with another field.

# Files

	slurm.conf     nodes, admin partitions (debug, gpu), one partition per tenant
	gres.conf      GPU device bindings of the local node only
	cgroup.conf    written only when isolation is on, removed otherwise
	slurmdbd.conf  controller roles only, mode 0600, owned by slurm

# Guarantees

  - Every partition references declared nodes only (Document.Validate).
  - Rendering is deterministic: no timestamps, stable ordering.
  - Writer puts identical bytes into every configuration root and replaces
    each file atomically (temp file + rename).
*/
package render
