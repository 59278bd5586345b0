package service

// Actor roles. Authentication happens upstream; every operation receives the
// already-resolved actor identity and role as input.
const (
	ActorRoleAdmin      = "admin"
	ActorRoleSupervisor = "supervisor"
	ActorRoleAnalyst    = "analyst"
	ActorRoleCustomer   = "customer"
)

// Actor is the current caller: identity, role and, for lab staff, the lab
// they belong to.
type Actor struct {
	ID    string
	Role  string
	LabID *string
}

func (a Actor) IsAdmin() bool      { return a.Role == ActorRoleAdmin }
func (a Actor) IsSupervisor() bool { return a.Role == ActorRoleSupervisor }
func (a Actor) IsAnalyst() bool    { return a.Role == ActorRoleAnalyst }
func (a Actor) IsCustomer() bool   { return a.Role == ActorRoleCustomer }

// CanManageTemplates reports whether the actor may activate or delete
// procedure templates.
func (a Actor) CanManageTemplates() bool {
	return a.IsAdmin() || a.IsSupervisor()
}

// worksInLab reports whether an analyst actor belongs to the given lab.
// Admins and supervisors are not lab-scoped.
func (a Actor) worksInLab(labID string) bool {
	return a.LabID != nil && *a.LabID == labID
}
