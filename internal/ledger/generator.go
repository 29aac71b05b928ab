package ledger

import (
	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// AddPoolDeposit moves stablecoin: user:wallet → system:pool_deposits
func (b *Batch) AddPoolDeposit(depositor common.Address, amount fpmath.Decimal) {
	b.Add(PoolDepositsKey(), NewWalletKey(depositor, AssetStablecoin), amount, JournalTypePoolDeposit)
}

// AddPoolWithdrawal moves stablecoin: system:pool_deposits → user:wallet
func (b *Batch) AddPoolWithdrawal(depositor common.Address, amount fpmath.Decimal) {
	b.Add(NewWalletKey(depositor, AssetStablecoin), PoolDepositsKey(), amount, JournalTypePoolWithdrawal)
}

// AddCollateralGain moves collateral: system:pool_collateral → user:wallet
func (b *Batch) AddCollateralGain(depositor common.Address, amount fpmath.Decimal) {
	b.Add(NewWalletKey(depositor, AssetCollateral), PoolCollateralKey(), amount, JournalTypeCollateralGain)
}

// AddCollateralGainToTrove moves collateral: system:pool_collateral → troveAccount
func (b *Batch) AddCollateralGainToTrove(troveAccount AccountKey, amount fpmath.Decimal) {
	b.Add(troveAccount, PoolCollateralKey(), amount, JournalTypeCollateralGainToTrove)
}

// AddReward moves reward tokens from the issuance account to a wallet.
func (b *Batch) AddReward(source AccountKey, to common.Address, amount fpmath.Decimal, jt JournalType) {
	b.Add(NewWalletKey(to, AssetReward), source, amount, jt)
}

// AddOffset burns the offset debt out of the pool and books the seized
// collateral into it.
func (b *Batch) AddOffset(debt, collateral fpmath.Decimal) {
	b.Add(NewExternalAccountKey(SubTypeExternalBurn, AssetStablecoin), PoolDepositsKey(), debt, JournalTypeOffsetDebtBurn)
	b.Add(PoolCollateralKey(), NewExternalAccountKey(SubTypeExternalLiquidations, AssetCollateral), collateral, JournalTypeOffsetCollateral)
}

// AddMint brings new tokens of an asset into an account from outside.
func (b *Batch) AddMint(to AccountKey, amount fpmath.Decimal) {
	b.Add(to, NewExternalAccountKey(SubTypeExternalMint, to.AssetID), amount, JournalTypeMint)
}
