package eth

import (
	"github.com/ethereum/go-ethereum/common"
)

const MainnetChainID = 1

// Mainnet token addresses
var (
	WETHAddress = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	USDCAddress = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	USDTAddress = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	DAIAddress  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	WBTCAddress = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
)

// TokenInfo bundles address, decimals and the storage slot of the balances mapping
type TokenInfo struct {
	Address     common.Address
	Decimals    int
	Symbol      string
	BalanceSlot uint64
}

// KnownTokens is keyed by upper-case symbol.
var KnownTokens = map[string]TokenInfo{
	"WETH": {WETHAddress, 18, "WETH", 3},
	"USDC": {USDCAddress, 6, "USDC", 9},
	"USDT": {USDTAddress, 6, "USDT", 2},
	"DAI":  {DAIAddress, 18, "DAI", 2},
	"WBTC": {WBTCAddress, 8, "WBTC", 0},
}

// KnownContracts are labels that need no network lookup, keyed by chain id.
var KnownContracts = map[uint64]map[common.Address]string{
	MainnetChainID: {
		WETHAddress: "WETH9",
		USDCAddress: "FiatTokenProxy",
		USDTAddress: "TetherToken",
		DAIAddress:  "Dai",
		WBTCAddress: "WBTC",
		common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"): "UniswapV2Router02",
		common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"): "SushiSwapRouter",
		common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"): "UniswapV2Factory",
	},
}
