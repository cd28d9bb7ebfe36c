package models

// Criterion is one scoring rule and whether it was satisfied. Points is what the rule
// awarded when achieved, or the best it could award when not.
type Criterion struct {
	Condition   string  `json:"condition"`
	Description string  `json:"description"`
	Points      float64 `json:"points"`
	Achieved    bool    `json:"achieved"`
}

// ScoreResult is the output of a provider's scoring rules.
type ScoreResult struct {
	Score    float64     `json:"score"`
	MaxScore float64     `json:"maxScore"`
	Criteria []Criterion `json:"criteria"`
}

// Result is the only verification data that crosses the service boundary.
// It never carries usernames, emails, avatars or external account ids.
type Result struct {
	Provider   Provider    `json:"provider"`
	Score      float64     `json:"score"`
	MaxScore   float64     `json:"maxScore"`
	Criteria   []Criterion `json:"criteria"`
	Commitment *string     `json:"commitment"`
}

// Outcome is what an adapter, and then the session service, reports for one attempt.
type Outcome struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
	Result *Result  `json:"result,omitempty"`

	// Profile is optional display data; it is never stored on the session.
	Profile *Profile `json:"-"`
}

// Proof is the normalized callback input, built once at the transport boundary.
type Proof struct {
	Code         string
	State        string
	CodeVerifier string

	Address   string
	Signature string
	Message   string

	// Params carries raw provider fields for flows that sign their own query
	// (Steam OpenID assertions, Telegram widget data).
	Params map[string]string
}
