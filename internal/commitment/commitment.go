// Package commitment derives the field-element commitments handed to the ledger.
//
// A commitment binds a provider's platform id and an external account id under a
// server salt: SHA-256("{platformID}:{externalID}:{salt}") read as a big-endian
// integer, reduced modulo the ledger's scalar field and rendered as "<decimal>field".
package commitment

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Suffix marks a field literal.
const Suffix = "field"

// FieldModulus is the order of the ledger's base field.
var FieldModulus, _ = new(big.Int).SetString(
	"8444461749428370424248824938781546531375899335154063827935233455917409239041", 10)

// ErrMissingSalt is returned when no salt is configured.
var ErrMissingSalt = errors.New("commitment salt is not configured")

// Derive returns the commitment for externalID on platformID. It is pure: the same
// inputs always give the same output.
func Derive(platformID int, externalID, salt string) string {
	preimage := fmt.Sprintf("%d:%s:%s", platformID, externalID, salt)
	sum := sha256.Sum256([]byte(preimage))
	n := new(big.Int).SetBytes(sum[:])
	n.Mod(n, FieldModulus)
	return n.String() + Suffix
}

// Validate reports whether s is a well-formed field literal inside the field.
func Validate(s string) bool {
	digits, ok := strings.CutSuffix(s, Suffix)
	if !ok || digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	n, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return false
	}
	return n.Sign() >= 0 && n.Cmp(FieldModulus) < 0
}

// Deriver binds a salt so adapters never see it.
type Deriver struct {
	salt string
}

func NewDeriver(salt string) *Deriver {
	return &Deriver{salt: salt}
}

// Commit derives the commitment for externalID on platformID, failing when the salt
// is unset or the id is empty.
func (d *Deriver) Commit(platformID int, externalID string) (string, error) {
	if d == nil || d.salt == "" {
		return "", ErrMissingSalt
	}
	if strings.TrimSpace(externalID) == "" {
		return "", errors.New("external id is required")
	}
	return Derive(platformID, externalID, d.salt), nil
}
