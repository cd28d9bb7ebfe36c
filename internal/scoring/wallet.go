package scoring

import (
	"time"

	"humanscore/internal/verification/models"
)

const (
	EVMMax    = 40
	SolanaMax = 35
)

// WalletMetrics is on-chain activity for one address. Zero values mean unknown and
// score nothing; ownership is proven by signature before scoring runs.
type WalletMetrics struct {
	OwnershipProven bool
	WalletAge       time.Duration
	TxCount         int
	// Balance is in the chain's whole unit (ETH or SOL).
	Balance float64
}

func EVM(m WalletMetrics) models.ScoreResult {
	return total(EVMMax,
		flag("wallet_ownership", "Proved control of the wallet", m.OwnershipProven, 10),
		tiered("wallet_age", days(m.WalletAge),
			tier{365, 10, "First transaction over 365 days ago"},
			tier{180, 5, "First transaction over 180 days ago"}),
		tiered("tx_count", float64(m.TxCount),
			tier{100, 10, "100 or more transactions"},
			tier{10, 5, "10 or more transactions"}),
		tiered("balance", m.Balance,
			tier{0.1, 10, "Balance of at least 0.1 ETH"},
			tier{0.01, 5, "Balance of at least 0.01 ETH"}),
	)
}

func Solana(m WalletMetrics) models.ScoreResult {
	return total(SolanaMax,
		flag("wallet_ownership", "Proved control of the wallet", m.OwnershipProven, 10),
		tiered("balance", m.Balance,
			tier{1, 10, "Balance of at least 1 SOL"},
			tier{0.1, 5, "Balance of at least 0.1 SOL"}),
		tiered("tx_count", float64(m.TxCount),
			tier{100, 10, "100 or more transactions"},
			tier{10, 5, "10 or more transactions"}),
		tiered("wallet_age", days(m.WalletAge),
			tier{365, 5, "First transaction over 365 days ago"},
			tier{180, 2, "First transaction over 180 days ago"}),
	)
}
