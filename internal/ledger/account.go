package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypePoolDeposits
	SubTypePoolCollateral
	SubTypeCommunityIssuance
	SubTypeActivePool

	// External sub-types
	SubTypeExternalMint
	SubTypeExternalBurn
	SubTypeExternalLiquidations
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetStablecoin AssetID = 1
	AssetCollateral AssetID = 2
	AssetReward     AssetID = 3
)

var (
	assetToID = map[string]AssetID{
		"LUSD": AssetStablecoin,
		"ETH":  AssetCollateral,
		"LQTY": AssetReward,
	}
	idToAsset = map[AssetID]string{
		AssetStablecoin: "LUSD",
		AssetCollateral: "ETH",
		AssetReward:     "LQTY",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// System account names
const (
	StabilityPoolName     = "stability_pool"
	CommunityIssuanceName = "community_issuance"
	ActivePoolName        = "active_pool"
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID common.Address // owner for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewWalletKey creates a key for a user's token wallet
func NewWalletKey(owner common.Address, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID common.Address
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// PoolDepositsKey holds the stablecoin backing every deposit.
func PoolDepositsKey() AccountKey {
	return NewSystemAccountKey(StabilityPoolName, SubTypePoolDeposits, AssetStablecoin)
}

// PoolCollateralKey holds collateral received from offsets and not yet paid out.
func PoolCollateralKey() AccountKey {
	return NewSystemAccountKey(StabilityPoolName, SubTypePoolCollateral, AssetCollateral)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.EntityID.Hex(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypePoolDeposits:
		return "pool_deposits"
	case SubTypePoolCollateral:
		return "pool_collateral"
	case SubTypeCommunityIssuance:
		return "community_issuance"
	case SubTypeActivePool:
		return "active_pool"
	case SubTypeExternalMint:
		return "mint"
	case SubTypeExternalBurn:
		return "burn"
	case SubTypeExternalLiquidations:
		return "liquidations"
	default:
		return "unknown"
	}
}
