package auth

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Resources and actions checked by Authorize.
const (
	ResourceQR         = "qr"
	ResourceAttendance = "attendance"
	ResourceConflicts  = "conflicts"
	ResourceSync       = "sync"
	ResourceCatalog    = "catalog"

	ActionRead    = "read"
	ActionWrite   = "write"
	ActionIssue   = "issue"
	ActionUpload  = "upload"
	ActionResolve = "resolve"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// defaultPolicies grants teachers and admins QR issuance and students the
// upload and sync surface. Admins inherit every teacher permission.
var defaultPolicies = [][]string{
	{"teacher", ResourceQR, ActionIssue},
	{"teacher", ResourceConflicts, ActionRead},
	{"teacher", ResourceConflicts, ActionResolve},
	{"student", ResourceAttendance, ActionUpload},
	{"student", ResourceAttendance, ActionRead},
	{"student", ResourceConflicts, ActionRead},
	{"student", ResourceConflicts, ActionResolve},
	{"student", ResourceSync, ActionRead},
	{"admin", ResourceCatalog, ActionWrite},
}

// Policy is the role permission table.
type Policy struct {
	enforcer *casbin.Enforcer
}

// NewPolicy builds the default policy.
func NewPolicy() (*Policy, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("rbac model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	if _, err := e.AddPolicies(defaultPolicies); err != nil {
		return nil, err
	}
	if _, err := e.AddGroupingPolicy("admin", "teacher"); err != nil {
		return nil, err
	}
	return &Policy{enforcer: e}, nil
}

// Allowed reports whether role may perform action on resource.
func (p *Policy) Allowed(role Role, resource, action string) (bool, error) {
	return p.enforcer.Enforce(string(role), resource, action)
}
