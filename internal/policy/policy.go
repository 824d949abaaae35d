package policy

import (
	"fmt"

	"github.com/ksred/landx-api/internal/types"
)

// Role is the participant role asserted by the identity provider
type Role string

const (
	RoleBuyer                Role = "BUYER"
	RoleDeveloper            Role = "DEVELOPER"
	RoleOwnerSociety         Role = "OWNER_SOCIETY"
	RoleSlumDweller          Role = "SLUM_DWELLER"
	RoleAffordableHousingDev Role = "AFFORDABLE_HOUSING_DEV"
	RoleGovAuthority         Role = "GOV_AUTHORITY"
	RoleAuditor              Role = "AUDITOR"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	_, ok := roleActions[r]
	return ok
}

// Action is a guarded operation on the exchange
type Action string

const (
	ActionSubmitQuote             Action = "SUBMIT_QUOTE"
	ActionSubmitAsk               Action = "SUBMIT_ASK"
	ActionSubmitPreferences       Action = "SUBMIT_PREFERENCES"
	ActionManageRounds            Action = "MANAGE_ROUNDS"
	ActionRunEngines              Action = "RUN_ENGINES"
	ActionDeclareDefault          Action = "DECLARE_DEFAULT"
	ActionDeclareDeveloperDefault Action = "DECLARE_DEVELOPER_DEFAULT"
	ActionManagePhase             Action = "MANAGE_PHASE"
	ActionReadLedger              Action = "READ_LEDGER"
	ActionManageCharges           Action = "MANAGE_CHARGES"
	ActionManageContracts         Action = "MANAGE_CONTRACTS"
)

var roleActions = map[Role]map[Action]bool{
	RoleBuyer:                {ActionSubmitQuote: true},
	RoleAffordableHousingDev: {ActionSubmitQuote: true},
	RoleDeveloper:            {ActionSubmitAsk: true},
	RoleOwnerSociety:         {ActionSubmitAsk: true},
	RoleSlumDweller:          {ActionSubmitPreferences: true},
	RoleGovAuthority: {
		ActionManageRounds:            true,
		ActionRunEngines:              true,
		ActionDeclareDefault:          true,
		ActionDeclareDeveloperDefault: true,
		ActionManagePhase:             true,
		ActionReadLedger:              true,
		ActionManageCharges:           true,
		ActionManageContracts:         true,
	},
	RoleAuditor: {
		ActionReadLedger:              true,
		ActionDeclareDeveloperDefault: true,
	},
}

// Principal is the authenticated caller of a core operation
type Principal struct {
	ParticipantID string         `json:"participant_id"`
	Workflow      types.Workflow `json:"workflow"`
	Role          Role           `json:"role"`
	DisplayName   string         `json:"display_name"`
}

// Allowed reports whether role may attempt action
func Allowed(role Role, action Action) bool {
	return roleActions[role][action]
}

// Require fails with PermissionDenied unless p's role is entitled to action
func Require(p Principal, action Action) error {
	if p.ParticipantID == "" {
		return types.Denied("unauthenticated principal")
	}
	if !Allowed(p.Role, action) {
		return types.Denied(fmt.Sprintf("role %s not permitted for action %s", p.Role, action))
	}
	return nil
}

// RequireWorkflow fails when a principal scoped to one workflow acts on another
func RequireWorkflow(p Principal, w types.Workflow) error {
	if p.Workflow != "" && p.Workflow != w {
		return types.Denied(fmt.Sprintf("principal is scoped to workflow %s, not %s", p.Workflow, w))
	}
	return nil
}

// Authorize combines the workflow and action checks
func Authorize(p Principal, w types.Workflow, action Action) error {
	if err := RequireWorkflow(p, w); err != nil {
		return err
	}
	return Require(p, action)
}

// forbiddenAskKeys are non-DCU instruments that developer-side asks may not carry
var forbiddenAskKeys = []string{
	"tdru", "TDRU", "tdr_units", "ask_tdru", "ask_tdr_price",
	"tdr", "TDR", "pru", "PRU", "lu", "LU",
	"qtdr_inr", "qlu_inr", "qpru_inr",
}

// EnforceDCUOnlyAsk rejects ask extension keys that name TDR/LU/PRU instruments
func EnforceDCUOnlyAsk(p Principal, extras map[string]any) error {
	if p.Role != RoleDeveloper && p.Role != RoleOwnerSociety {
		return nil
	}
	for _, k := range forbiddenAskKeys {
		if _, ok := extras[k]; ok {
			return types.Denied("ask bids may only be DCU-based; TDR/LU/PRU not permitted")
		}
	}
	return nil
}

// EnforcePreferencesWorkflow restricts non-monetary preferences to the slum workflow
func EnforcePreferencesWorkflow(w types.Workflow) error {
	if w != types.WorkflowSlum {
		return types.Denied("preferences submission is allowed only for slum workflow")
	}
	return nil
}
