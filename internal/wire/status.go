package wire

// Status is a server-push payload sent outside the request/response
// cycle, e.g. maintenance countdowns and upgrade kicks.
type Status struct {
	State     string `json:"state"`
	Remaining int    `json:"remaining,omitempty"`
}

const (
	// StateMaintenance announces a scheduled shutdown, with Remaining
	// carrying the minutes left.
	StateMaintenance = "maintenance"

	// StateUpgrading tells a client its workspace entered the upgrade
	// window and the connection is about to close.
	StateUpgrading = "upgrading"
)

// MaintenanceStatus builds a maintenance countdown push.
func MaintenanceStatus(remaining int) Status {
	return Status{State: StateMaintenance, Remaining: remaining}
}

// UpgradingStatus builds an upgrade kick push.
func UpgradingStatus() Status {
	return Status{State: StateUpgrading}
}

// UpgradeNotice is the admission refusal sent to ordinary clients while
// their workspace sits in the upgrade window. It points them at the
// accounts service to re-authenticate.
type UpgradeNotice struct {
	Upgrade bool        `json:"upgrade"`
	Info    UpgradeInfo `json:"info"`
}

// UpgradeInfo carries the redirect target for an UpgradeNotice.
type UpgradeInfo struct {
	URL       string `json:"url,omitempty"`
	Workspace string `json:"workspace"`
}

// NewUpgradeNotice builds the admission refusal payload.
func NewUpgradeNotice(accountsURL, workspace string) UpgradeNotice {
	return UpgradeNotice{
		Upgrade: true,
		Info: UpgradeInfo{
			URL:       accountsURL,
			Workspace: workspace,
		},
	}
}
