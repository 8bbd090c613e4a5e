package backend

import "time"

// Shop is one seller identity the orchestrator iterates over.
type Shop struct {
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name"`
}

// TaskStatus is the backend's advisory view of one task type's completion.
// A server-side cron may have satisfied the current window already; the
// scheduler cross-checks this before paying for an identity switch.
type TaskStatus struct {
	LastSuccessAt       time.Time `json:"last_success_at"`
	WindowExecuted      bool      `json:"window_executed"`
	CurrentHourExecuted bool      `json:"current_hour_executed"`
}

// SyncStatus maps task name to status. Fetched per scheduler invocation,
// never cached across invocations.
type SyncStatus map[string]TaskStatus

// Config points the client at the seller backend API.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration // 0 means 10s
	// ShopCacheTTL bounds reuse of the shop list (0 means 5m).
	ShopCacheTTL time.Duration
}
