package x402

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SelectPayer chooses the payer and policy for a 402 response.
//
// Among the (payer, policy) pairs the payer can satisfy, the one with the
// lowest total cost (price plus facilitator fee) wins. Ties keep the order
// of payers first and then of offered policies.
func SelectPayer(payers []Payer, accepts []PaymentPolicy) (Payer, PaymentPolicy, error) {
	if len(payers) == 0 {
		return nil, PaymentPolicy{}, fmt.Errorf("%w: no payers configured", ErrNoValidPayer)
	}
	if len(accepts) == 0 {
		return nil, PaymentPolicy{}, fmt.Errorf("%w: no payment requirements provided", ErrInvalidRequirements)
	}

	type candidate struct {
		payer       Payer
		policy      PaymentPolicy
		cost        uint64
		payerIndex  int
		policyIndex int
	}

	var candidates []candidate
	for i, policy := range accepts {
		if policy.Validate() != nil {
			continue
		}
		for j, payer := range payers {
			if !payer.CanPay(policy) {
				continue
			}
			candidates = append(candidates, candidate{
				payer:       payer,
				policy:      policy,
				cost:        totalCost(policy),
				payerIndex:  j,
				policyIndex: i,
			})
		}
	}

	if len(candidates) == 0 {
		options := make([]string, 0, len(accepts))
		for _, p := range accepts {
			asset := "native"
			if !p.IsNative() {
				asset = p.Asset.String()
			}
			options = append(options, strconv.FormatUint(p.Price, 10)+" "+asset)
		}
		return nil, PaymentPolicy{}, fmt.Errorf("%w: offered %s", ErrNoValidPayer, strings.Join(options, ", "))
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].cost != candidates[b].cost {
			return candidates[a].cost < candidates[b].cost
		}
		if candidates[a].payerIndex != candidates[b].payerIndex {
			return candidates[a].payerIndex < candidates[b].payerIndex
		}
		return candidates[a].policyIndex < candidates[b].policyIndex
	})
	best := candidates[0]
	return best.payer, best.policy, nil
}

func totalCost(p PaymentPolicy) uint64 {
	if p.FacilitatorFee == nil {
		return p.Price
	}
	total := p.Price + p.FacilitatorFee.Amount
	if total < p.Price {
		return ^uint64(0)
	}
	return total
}
