// Package escrow implements the deed escrow authority: a state machine over
// listings keyed by asset id plus one pooled fund balance.
package escrow

// Role identifies the party a caller acts as.
type Role byte

const (
	RoleNone Role = iota
	RoleSeller
	RoleBuyer
	RoleInspector
	RoleLender
)

func (r Role) String() string {
	switch r {
	case RoleSeller:
		return "seller"
	case RoleBuyer:
		return "buyer"
	case RoleInspector:
		return "inspector"
	case RoleLender:
		return "lender"
	default:
		return "none"
	}
}

// requiredApprovers lists the roles whose approval settlement consumes.
var requiredApprovers = []Role{RoleSeller, RoleLender, RoleBuyer}
