package mesh

import "meshroom/internal/core/domain"

// ResolveRole decides which side of a link offers first. The smaller user
// id offers, so both peers reach the same answer without coordination.
func ResolveRole(local, remote domain.UserID) domain.Role {
	if local < remote {
		return domain.RoleOfferer
	}
	return domain.RoleAnswerer
}
