package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/internal/models"
)

// keyPrefixes maps a credential prefix to the environment it belongs to.
// Longer prefixes must come first: "skey_test_" before "skey_".
type keyPrefixes []struct {
	prefix string
	env    Environment
}

// DetectEnvironment derives the environment from a credential. The explicit
// production flag is only consulted when no prefix matches.
func DetectEnvironment(key string, prefixes keyPrefixes, isProduction bool) Environment {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p.prefix) {
			return p.env
		}
	}
	if isProduction {
		return EnvironmentProduction
	}
	return EnvironmentSandbox
}

var (
	midtransPrefixes = keyPrefixes{
		{"SB-Mid-server-", EnvironmentSandbox},
		{"SB-Mid-client-", EnvironmentSandbox},
		{"Mid-server-", EnvironmentProduction},
		{"Mid-client-", EnvironmentProduction},
	}
	omisePrefixes = keyPrefixes{
		{"skey_test_", EnvironmentSandbox},
		{"pkey_test_", EnvironmentSandbox},
		{"skey_", EnvironmentProduction},
		{"pkey_", EnvironmentProduction},
	}
	flutterwavePrefixes = keyPrefixes{
		{"FLWSECK_TEST-", EnvironmentSandbox},
		{"FLWPUBK_TEST-", EnvironmentSandbox},
		{"FLWSECK-", EnvironmentProduction},
		{"FLWPUBK-", EnvironmentProduction},
	}
)

// zeroDecimal currencies have no minor unit.
var zeroDecimal = map[string]bool{
	"IDR": true, "JPY": true, "KRW": true, "VND": true, "UGX": true, "RWF": true, "XOF": true, "XAF": true, "CLP": true,
}

// minorUnits converts amount to the smallest unit of currency.
func minorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// fromMinorUnits is the inverse of minorUnits.
func fromMinorUnits(v int64, currency string) decimal.Decimal {
	if zeroDecimal[strings.ToUpper(currency)] {
		return decimal.NewFromInt(v)
	}
	return decimal.New(v, -2)
}

// await runs fn and gives up when ctx ends first. Used for SDKs that take no context.
func await(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return timeoutErr(ctx.Err())
	}
}

func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
	}
	return err
}
