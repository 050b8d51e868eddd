package models

import "time"

// MAccountSnapshot is the freshest known telemetry for a single account login.
// Owned exclusively by the snapshot cache; callers only ever see copies.
type MAccountSnapshot struct {
	Login      string                   `json:"login"`
	Balance    float64                  `json:"balance"`
	Equity     float64                  `json:"equity"`
	Currency   string                   `json:"currency"`
	Leverage   float64                  `json:"leverage"`
	Margin     float64                  `json:"margin"`
	FreeMargin float64                  `json:"freeMargin"`
	Profit     float64                  `json:"profit"`
	Positions  []map[string]interface{} `json:"positions"`
	Orders     []map[string]interface{} `json:"orders"`
	UpdatedAt  time.Time                `json:"updatedAt"`
	Raw        map[string]interface{}   `json:"-"` // shallow-merged audit blob
}

// Copy returns a snapshot copy whose slices and audit blob are detached
// from the cache-owned originals.
func (s MAccountSnapshot) Copy() MAccountSnapshot {
	out := s
	if s.Positions != nil {
		out.Positions = make([]map[string]interface{}, len(s.Positions))
		copy(out.Positions, s.Positions)
	}
	if s.Orders != nil {
		out.Orders = make([]map[string]interface{}, len(s.Orders))
		copy(out.Orders, s.Orders)
	}
	if s.Raw != nil {
		out.Raw = make(map[string]interface{}, len(s.Raw))
		for k, v := range s.Raw {
			out.Raw[k] = v
		}
	}
	return out
}

// -----------------------------------------------------------------------------

// MEquitySample is a single historical equity/balance observation for an account.
type MEquitySample struct {
	AccountLogin string    `json:"accountLogin"`
	Equity       float64   `json:"equity"`
	Balance      float64   `json:"balance"`
	RecordedAt   time.Time `json:"recordedAt"`
}
