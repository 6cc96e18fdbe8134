package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MaxTextLen bounds predicted and canonical texts, in bytes. Matches the
// post-length ceiling of the tracked platform.
const MaxTextLen = 280

// DistanceUnset marks a submission whose edit distance has not been computed
// yet. Distances are populated only at resolution.
const DistanceUnset = -1

// Submission is a staked, textual prediction entered into a market. The text
// is immutable after creation and content-addressed via TextHash for cheap
// comparison.
type Submission struct {
	ID        uint64
	MarketID  uint64
	Submitter common.Address
	Text      string
	TextHash  common.Hash
	Stake     *big.Int
	Claimed   bool
	IsWinner  bool
	Distance  int
	CreatedAt time.Time
}

// Clone returns a deep copy safe to hand outside the ledger lock.
func (s *Submission) Clone() Submission {
	out := *s
	if s.Stake != nil {
		out.Stake = new(big.Int).Set(s.Stake)
	}
	return out
}

// HashText returns the keccak256 content address of a prediction or canonical
// text. Hashing is byte-exact: case and whitespace differences produce
// different hashes.
func HashText(text string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(text))
}
