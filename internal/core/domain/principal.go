package domain

// PrincipalKind tags a connection as belonging to an agent or a dashboard
// session. It is resolved once during the handshake and never re-inspected.
type PrincipalKind string

const (
	PrincipalAgent     PrincipalKind = "agent"
	PrincipalDashboard PrincipalKind = "dashboard"
)

type Principal struct {
	Kind           PrincipalKind
	OrganizationID string
	AgentID        string // set when Kind == PrincipalAgent
	UserID         string // set when Kind == PrincipalDashboard
}
