package web3

import (
	"fmt"
	"math/big"
	"strconv"
)

// ToBaseUnits converts a decimal amount into integer token units, for
// example 0.5 USDC with 6 decimals becomes 500000.
func ToBaseUnits(amount float64, decimals uint8) (*big.Int, error) {
	if amount < 0 {
		return nil, fmt.Errorf("金额不能为负数: %v", amount)
	}
	rat, ok := new(big.Rat).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("无法解析金额: %v", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(rat.Num(), rat.Denom()), nil
}

// FromBaseUnits converts integer token units back into a decimal amount.
func FromBaseUnits(value *big.Int, decimals uint8) float64 {
	if value == nil {
		return 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f, _ := new(big.Rat).SetFrac(value, scale).Float64()
	return f
}
