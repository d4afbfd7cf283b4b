package distribution

import (
	"errors"

	"github.com/shopspring/decimal"
)

// FeeRate is the platform fee applied to the gross payment amount (0.1%).
var FeeRate = decimal.NewFromFloat(0.001)

// AgentRate is the agent's share of the net amount when an agent is assigned.
var AgentRate = decimal.NewFromFloat(0.75)

// ErrNonPositiveAmount is returned when the amount does not exceed zero.
var ErrNonPositiveAmount = errors.New("distribution: amount must be positive")

// Breakdown is the exact split of a gross payment amount. The fields always
// satisfy PlatformFee + AgentShare + FreelancerShare == Amount: fee and agent
// share are truncated to cents, and the freelancer share absorbs whatever
// remainder the truncation leaves behind.
type Breakdown struct {
	Amount          decimal.Decimal `json:"amount"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	FreelancerShare decimal.Decimal `json:"freelancer_share"`
	AgentShare      decimal.Decimal `json:"agent_share"`
}

// Compute splits a gross amount into platform fee and payee shares. When
// hasAgent is set the net amount is split 75/25 between agent and freelancer,
// otherwise the freelancer receives the full net amount.
func Compute(amount decimal.Decimal, hasAgent bool) (Breakdown, error) {
	if amount.Sign() <= 0 {
		return Breakdown{}, ErrNonPositiveAmount
	}
	fee := amount.Mul(FeeRate).Truncate(2)
	net := amount.Sub(fee)
	agent := decimal.Zero
	if hasAgent {
		agent = net.Mul(AgentRate).Truncate(2)
	}
	freelancer := net.Sub(agent)
	return Breakdown{
		Amount:          amount,
		PlatformFee:     fee,
		FreelancerShare: freelancer,
		AgentShare:      agent,
	}, nil
}

// Conserved reports whether the breakdown still sums to the original amount.
// Creation guarantees this; callers re-check it when loading persisted
// escrows to catch out-of-band mutation.
func (b Breakdown) Conserved() bool {
	return b.PlatformFee.Add(b.AgentShare).Add(b.FreelancerShare).Equal(b.Amount)
}
