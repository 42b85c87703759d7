// Package tenant parses the tenant list into a registry of
// validated tenants. Parsing never fails as a whole: malformed entries are
// reported and dropped while the rest of the list is processed.
package tenant

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fanyadan/my-slurm/pkg/log"
	"github.com/fanyadan/my-slurm/pkg/types"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Rejection records a dropped entry and why
type Rejection struct {
	Entry  string
	Reason string
}

// Registry is the parse result
type Registry struct {
	Tenants  []types.TenantSpec
	Rejected []Rejection
}

// Names returns tenant names in registry order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Tenants))
	for _, t := range r.Tenants {
		names = append(names, t.Name)
	}
	return names
}

// Duplicates returns names that occur more than once, in first-seen order
func (r *Registry) Duplicates() []string {
	seen := make(map[string]int)
	var dups []string
	for _, t := range r.Tenants {
		seen[t.Name]++
		if seen[t.Name] == 2 {
			dups = append(dups, t.Name)
		}
	}
	return dups
}

// Dedupe returns a copy of the registry keeping the first entry per name
func (r *Registry) Dedupe() *Registry {
	out := &Registry{Rejected: r.Rejected}
	seen := make(map[string]bool)
	for _, t := range r.Tenants {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out.Tenants = append(out.Tenants, t)
	}
	return out
}

// ValidName reports whether s is an acceptable tenant name before case folding
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// Parse splits spec ("name[:uid[:gid]],...") into tenants. Every non-empty
// entry consumes one fallback slot in input order, whether or not it is
// accepted, so a tenant's default ids only depend on its position in the
// list. Missing ids default to base + slot.
func Parse(spec string, uidBase, gidBase int) *Registry {
	logger := log.WithComponent("tenant")
	reg := &Registry{}

	slot := 0
	for _, raw := range strings.Split(spec, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		idx := slot
		slot++

		t, err := parseEntry(entry, uidBase+idx, gidBase+idx)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("Skipping tenant entry")
			reg.Rejected = append(reg.Rejected, Rejection{Entry: entry, Reason: err.Error()})
			continue
		}
		reg.Tenants = append(reg.Tenants, t)
	}

	if dups := reg.Duplicates(); len(dups) > 0 {
		logger.Warn().Strs("names", dups).Msg("Duplicate tenant names; later entries repeat provisioning")
	}

	return reg
}

func parseEntry(entry string, defUID, defGID int) (types.TenantSpec, error) {
	fields := strings.SplitN(entry, ":", 3)

	name := strings.TrimSpace(fields[0])
	if !ValidName(name) {
		return types.TenantSpec{}, fmt.Errorf("invalid tenant name %q", name)
	}

	t := types.TenantSpec{
		Name: strings.ToLower(name),
		UID:  defUID,
		GID:  defGID,
	}

	if len(fields) > 1 {
		id, ok, err := parseID(fields[1])
		if err != nil {
			return types.TenantSpec{}, fmt.Errorf("invalid uid: %w", err)
		}
		if ok {
			t.UID = id
		}
	}
	if len(fields) > 2 {
		id, ok, err := parseID(fields[2])
		if err != nil {
			return types.TenantSpec{}, fmt.Errorf("invalid gid: %w", err)
		}
		if ok {
			t.GID = id
		}
	}

	return t, nil
}

// parseID returns ok=false for an empty field
func parseID(s string) (int, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false, fmt.Errorf("%q is not numeric", s)
		}
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("%q is out of range", s)
	}
	return id, true, nil
}
