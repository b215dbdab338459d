package engine

// Principal is the authenticated caller as forwarded by the upstream proxy.
type Principal struct {
	OrgID      string
	SuperAdmin bool
}

// Sees reports whether the principal may access resources of orgID.
func (p Principal) Sees(orgID string) bool {
	return p.SuperAdmin || (p.OrgID != "" && p.OrgID == orgID)
}

// scope is the org filter for listings; "" lists every org.
func (p Principal) scope() string {
	if p.SuperAdmin {
		return ""
	}
	return p.OrgID
}
