package session

// Role is one of the fixed analytical perspectives applied to every session.
type Role string

const (
	RoleBusinessAnalyst    Role = "business_analyst"
	RoleSolutionArchitect  Role = "solution_architect"
	RoleDataScientist      Role = "data_scientist"
	RoleUXDesigner         Role = "ux_designer"
	RoleImplementationLead Role = "implementation_lead"
	RoleROIAnalyst         Role = "roi_analyst"
)

// Roles lists every role in dispatch order.
var Roles = []Role{
	RoleBusinessAnalyst,
	RoleSolutionArchitect,
	RoleDataScientist,
	RoleUXDesigner,
	RoleImplementationLead,
	RoleROIAnalyst,
}

// ValidRole reports whether r is one of the fixed roles.
func ValidRole(r Role) bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Title returns a human-readable name for the role.
func (r Role) Title() string {
	switch r {
	case RoleBusinessAnalyst:
		return "Business Analyst"
	case RoleSolutionArchitect:
		return "Solution Architect"
	case RoleDataScientist:
		return "Data Scientist"
	case RoleUXDesigner:
		return "UX Designer"
	case RoleImplementationLead:
		return "Implementation Lead"
	case RoleROIAnalyst:
		return "ROI Analyst"
	default:
		return string(r)
	}
}

// Focus describes what the role is expected to examine.
func (r Role) Focus() string {
	switch r {
	case RoleBusinessAnalyst:
		return "business requirements, stakeholder needs, process gaps and scope"
	case RoleSolutionArchitect:
		return "system architecture, integrations, scalability and security"
	case RoleDataScientist:
		return "data availability, model selection, evaluation and data quality"
	case RoleUXDesigner:
		return "user journeys, interaction design, accessibility and adoption"
	case RoleImplementationLead:
		return "delivery plan, milestones, team composition and delivery risk"
	case RoleROIAnalyst:
		return "cost, expected return, payback period and financial risk"
	default:
		return "general analysis"
	}
}
