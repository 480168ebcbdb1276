package auth

import "catequiz.org/internal/domain"

// Permission keys checked by the service and the HTTP layer.
const (
	PermQuizCreate     = "quiz.create"
	PermQuizRespond    = "quiz.respond"
	PermQuizResults    = "quiz.results"
	PermInviteCreate   = "invite.create"
	PermUserList       = "user.list"
	PermCatechistAdmin = "catechist.manage"
	PermPasswordReset  = "user.password.reset"
	PermRepair         = "repair.run"
	PermParishManage   = "parish.manage"
)

var rolePermissions = map[domain.Role]map[string]struct{}{
	domain.RoleAdmin: set(PermQuizCreate, PermQuizResults, PermInviteCreate, PermUserList,
		PermCatechistAdmin, PermPasswordReset, PermRepair, PermParishManage),
	domain.RoleCatechist:  set(PermQuizCreate, PermQuizResults, PermInviteCreate, PermUserList),
	domain.RoleCatechumen: set(PermQuizRespond),
}

func set(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

// HasPermission reports whether the session's role grants perm.
func (s Session) HasPermission(perm string) bool {
	_, ok := rolePermissions[s.Role][perm]
	return ok
}
