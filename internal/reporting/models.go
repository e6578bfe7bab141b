package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CampaignSummary aggregates one campaign's contacts and call logs.
type CampaignSummary struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`

	TotalContacts  int `json:"total_contacts"`
	Dialed         int `json:"dialed"`
	Pending        int `json:"pending"`
	ReviewRequired int `json:"review_required"`

	CallLogs int `json:"call_logs"`
	Enriched int `json:"enriched"`
	Recorded int `json:"recorded"`

	// DisconnectReasons counts enriched calls by provider disconnect reason.
	DisconnectReasons map[string]int `json:"disconnect_reasons"`

	FirstCallAt *time.Time `json:"first_call_at,omitempty"`
	LastCallAt  *time.Time `json:"last_call_at,omitempty"`
}

// SpendSummaryRequest requests an owner's aggregated spend.
// Spend is derived from immutable wallet ledger entries.
type SpendSummaryRequest struct {
	OwnerID  string    `json:"owner_id"`
	Range    TimeRange `json:"range"`
	Currency string    `json:"currency,omitempty"`
}

type SpendSummary struct {
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency"`

	TotalDebitMinor  int64 `json:"total_debit_minor"`
	TotalCreditMinor int64 `json:"total_credit_minor"`
	NetDeltaMinor    int64 `json:"net_delta_minor"`

	CallDebitMinor   int64 `json:"call_debit_minor"`
	CallsBilled      int   `json:"calls_billed"`
	AdminAdjustMinor int64 `json:"admin_adjust_minor"`
}
