package txmanager

import (
	"context"
	"fmt"
	"math/big"
)

// GasPolicy selects how transaction fees are priced.
type GasPolicy string

const (
	// GasPolicyAuto uses dynamic fees when the latest header carries a base
	// fee and a legacy gas price otherwise.
	GasPolicyAuto GasPolicy = "auto"
	// GasPolicyLegacy uses a legacy gas price, either fixed by
	// configuration or suggested by the node.
	GasPolicyLegacy GasPolicy = "legacy"
	// GasPolicyDynamic uses EIP-1559 fees.
	GasPolicyDynamic GasPolicy = "dynamic"
)

// ParseGasPolicy validates a gas policy name. The empty string is auto.
func ParseGasPolicy(s string) (GasPolicy, error) {
	switch p := GasPolicy(s); p {
	case "":
		return GasPolicyAuto, nil
	case GasPolicyAuto, GasPolicyLegacy, GasPolicyDynamic:
		return p, nil
	default:
		return "", fmt.Errorf("unknown gas policy %q", s)
	}
}

// FeeCaps holds the fees of one send attempt. GasPrice is set for legacy
// transactions, TipCap and FeeCap for dynamic fee transactions.
type FeeCaps struct {
	GasPrice *big.Int // legacy gasPrice
	TipCap   *big.Int // maxPriorityFeePerGas
	FeeCap   *big.Int // maxFeePerGas
}

// Legacy reports whether the fees are for a legacy transaction.
func (f FeeCaps) Legacy() bool {
	return f.GasPrice != nil
}

// price is the maximum amount per gas the fees may cost.
func (f FeeCaps) price() *big.Int {
	if f.Legacy() {
		return f.GasPrice
	}
	return f.FeeCap
}

const (
	minTipBumpGwei    = int64(2) // 2 gwei min absolute bump for tip
	minFeeCapBumpGwei = int64(5) // 5 gwei min absolute bump for fee cap

	// bump factor ~+12.5% (x1.125)
	bumpFactorNum = int64(1125)
	bumpFactorDen = int64(1000)
)

// SuggestInitialFees returns the fees for a first send attempt according to
// the configured gas policy.
func (tm *TxManager) SuggestInitialFees(ctx context.Context) (FeeCaps, error) {
	var fees FeeCaps
	legacy := tm.config.GasPolicy == GasPolicyLegacy
	var baseFee *big.Int
	if !legacy {
		h, err := tm.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return fees, fmt.Errorf("header by number: %w", err)
		}
		baseFee = h.BaseFee
		if baseFee == nil {
			if tm.config.GasPolicy == GasPolicyDynamic {
				return fees, fmt.Errorf("no base fee in latest header (pre-london?)")
			}
			legacy = true
		}
	}

	if legacy {
		if tm.config.GasPrice != nil {
			fees.GasPrice = new(big.Int).Set(tm.config.GasPrice)
		} else {
			price, err := tm.backend.SuggestGasPrice(ctx)
			if err != nil {
				return fees, fmt.Errorf("suggest gas price: %w", err)
			}
			fees.GasPrice = price
		}
		return fees, tm.checkFeeCap(fees)
	}

	tip, err := tm.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return fees, fmt.Errorf("suggest tip: %w", err)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	fees.TipCap = tip
	fees.FeeCap = feeCap
	if maxPrice := tm.config.MaxGasPrice; maxPrice != nil && feeCap.Cmp(maxPrice) > 0 {
		fees.FeeCap = new(big.Int).Set(maxPrice)
		if tip.Cmp(maxPrice) > 0 {
			fees.TipCap = new(big.Int).Set(maxPrice)
		}
	}
	return fees, nil
}

// BumpFees raises fees enough for the node to accept a replacement
// transaction with the same nonce.
func (tm *TxManager) BumpFees(ctx context.Context, fees FeeCaps) (FeeCaps, error) {
	if fees.Legacy() {
		bumped := FeeCaps{GasPrice: maxBig(
			mulFrac(fees.GasPrice, bumpFactorNum, bumpFactorDen),
			new(big.Int).Add(fees.GasPrice, Gwei(minTipBumpGwei)),
		)}
		return bumped, tm.checkFeeCap(bumped)
	}

	suggestedTip, err := tm.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return fees, fmt.Errorf("suggest tip: %w", err)
	}
	// tip' = max(tip * 1.125, tip + 2gwei, suggestedTip)
	tipBumped := maxBig(
		mulFrac(fees.TipCap, bumpFactorNum, bumpFactorDen),
		new(big.Int).Add(fees.TipCap, Gwei(minTipBumpGwei)),
		suggestedTip,
	)
	h, err := tm.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return fees, fmt.Errorf("header by number: %w", err)
	}
	baseTarget := new(big.Int).Set(tipBumped)
	if h.BaseFee != nil {
		baseTarget.Add(baseTarget, new(big.Int).Mul(h.BaseFee, big.NewInt(2)))
	}
	// feeCap' = max(feeCap * 1.125, feeCap + 5gwei, base*2 + tip')
	feeCapBumped := maxBig(
		mulFrac(fees.FeeCap, bumpFactorNum, bumpFactorDen),
		new(big.Int).Add(fees.FeeCap, Gwei(minFeeCapBumpGwei)),
		baseTarget,
	)
	bumped := FeeCaps{TipCap: tipBumped, FeeCap: feeCapBumped}
	return bumped, tm.checkFeeCap(bumped)
}

func (tm *TxManager) checkFeeCap(fees FeeCaps) error {
	if maxPrice := tm.config.MaxGasPrice; maxPrice != nil && fees.price().Cmp(maxPrice) > 0 {
		return fmt.Errorf("%w: %s > %s wei", ErrFeeCapExceeded, fees.price(), maxPrice)
	}
	return nil
}
