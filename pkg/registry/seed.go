package registry

// PrimaryConstructID is the distinguished system agent seeded at
// process start.
const PrimaryConstructID = "vsi-primary"

// SeedPrimary grants the primary construct its default propose-scope
// set under a conservative trust policy: every mutating scope still
// requires human approval, nothing auto-approves. Safe to call more
// than once; re-seeding changes nothing that is already in place.
func (r *Registry) SeedPrimary(agentID string) *PermissionGrant {
	if agentID == "" {
		agentID = PrimaryConstructID
	}
	for _, s := range r.catalog.ProposeScopes() {
		r.GrantScope(agentID, s, "system")
	}

	r.mu.Lock()
	if _, ok := r.policies[agentID]; !ok {
		policy := DefaultPolicy(agentID)
		// Preview every mutating scope before approval.
		for _, s := range r.catalog.ProposeScopes() {
			if !r.catalog.IsReadOnly(s) {
				policy.RequirePreview.Always = append(policy.RequirePreview.Always, s)
			}
		}
		policy.UpdatedAt = r.clock().UTC()
		r.policies[agentID] = policy
	}
	r.mu.Unlock()

	return r.GetGrant(agentID)
}
