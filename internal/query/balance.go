package query

import (
	"context"
	"fmt"
	"time"

	"StabilityPool/internal/ledger"
	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceResponse is a wallet balance on the live token ledger.
type BalanceResponse struct {
	Owner        common.Address `json:"owner"`
	Asset        string         `json:"asset"`
	Balance      fpmath.Decimal `json:"balance"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// GetBalance returns owner's wallet balance of asset ("LUSD", "ETH", "LQTY").
func (qs *QueryService) GetBalance(ctx context.Context, owner common.Address, asset string) (resp *BalanceResponse, err error) {
	defer qs.observe("GetBalance", time.Now(), &err)

	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", ErrInvalidArgument, asset)
	}
	asOf := qs.core.AppliedSequence()
	return &BalanceResponse{
		Owner:        owner,
		Asset:        asset,
		Balance:      qs.core.Ledger().WalletBalance(owner, assetID),
		AsOfSequence: asOf,
	}, nil
}

// GetBalances returns every wallet balance owner holds.
func (qs *QueryService) GetBalances(ctx context.Context, owner common.Address) (resp []BalanceResponse, err error) {
	defer qs.observe("GetBalances", time.Now(), &err)

	asOf := qs.core.AppliedSequence()
	for _, id := range []ledger.AssetID{ledger.AssetStablecoin, ledger.AssetCollateral, ledger.AssetReward} {
		name, _ := ledger.GetAssetName(id)
		resp = append(resp, BalanceResponse{
			Owner:        owner,
			Asset:        name,
			Balance:      qs.core.Ledger().WalletBalance(owner, id),
			AsOfSequence: asOf,
		})
	}
	return resp, nil
}
