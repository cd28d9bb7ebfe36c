package models

import "time"

// RecordStatusVerified is the only status a stored record carries today.
const RecordStatusVerified = "verified"

// RecordMetadata is the non-personal detail stored alongside a record.
type RecordMetadata struct {
	Criteria   []Criterion `json:"criteria"`
	Commitment string      `json:"commitment"`
}

// Record is the durable outcome of a verification for a (wallet, provider) pair.
type Record struct {
	WalletID   string         `json:"walletId"`
	Provider   Provider       `json:"provider"`
	Commitment string         `json:"commitment"`
	Score      float64        `json:"score"`
	MaxScore   float64        `json:"maxScore"`
	Status     string         `json:"status"`
	Metadata   RecordMetadata `json:"metadata"`
	VerifiedAt time.Time      `json:"verifiedAt"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
}

// RecordData is the input to an upsert.
type RecordData struct {
	Commitment string
	Score      float64
	MaxScore   float64
	Criteria   []Criterion
	ExpiresAt  *time.Time
}

// NewRecord builds the record stored for data at now.
func NewRecord(walletID string, provider Provider, data RecordData, now time.Time) *Record {
	return &Record{
		WalletID:   walletID,
		Provider:   provider,
		Commitment: data.Commitment,
		Score:      data.Score,
		MaxScore:   data.MaxScore,
		Status:     RecordStatusVerified,
		Metadata: RecordMetadata{
			Criteria:   data.Criteria,
			Commitment: data.Commitment,
		},
		VerifiedAt: now,
		ExpiresAt:  data.ExpiresAt,
	}
}

func (r *Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Result projects the record onto the outbound shape.
func (r *Record) Result() Result {
	commitment := r.Commitment
	return Result{
		Provider:   r.Provider,
		Score:      r.Score,
		MaxScore:   r.MaxScore,
		Criteria:   r.Metadata.Criteria,
		Commitment: &commitment,
	}
}

// Profile is optional display data keyed by wallet. It never feeds scoring or
// commitments.
type Profile struct {
	WalletID    string    `json:"walletId"`
	Provider    Provider  `json:"provider"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
