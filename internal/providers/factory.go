package providers

import (
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/aura-learn/backend/config"
	"github.com/aura-learn/backend/internal/models"
)

// Factory builds adapters on demand from immutable configuration, so credential
// rotation only needs a restart and nothing is shared between requests.
type Factory struct {
	cfg    config.PaymentsConfig
	client *http.Client
	logger *zap.Logger
}

// NewFactory creates a Factory. Every HTTP call an adapter makes is bounded by timeout.
func NewFactory(cfg config.PaymentsConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProviderTimeout},
		logger: logger,
	}
}

// Build returns the adapter registered under name.
func (f *Factory) Build(name string) (Adapter, error) {
	var (
		a   Adapter
		err error
	)
	switch name {
	case models.ProviderMidtrans:
		a, err = NewMidtrans(f.cfg.Midtrans)
	case models.ProviderOmise:
		a, err = NewOmise(f.cfg.Omise)
	case models.ProviderFlutterwave:
		a, err = NewFlutterwave(f.cfg.Flutterwave, f.client)
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownProvider, name)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Names lists providers that have credentials configured.
func (f *Factory) Names() []string {
	var out []string
	for _, name := range []string{models.ProviderMidtrans, models.ProviderOmise, models.ProviderFlutterwave} {
		a, err := f.Build(name)
		if err != nil {
			continue
		}
		f.logger.Debug("payment provider available",
			zap.String("provider", name),
			zap.String("environment", string(a.Environment())),
			zap.String("strategy", string(a.Strategy())),
		)
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
