package riskprov

import (
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
)

// Names of the channels the Component links.
const (
	TradesInterest         = "trades"
	CounterpartiesInterest = "counterparties"
	ProvAspect             = "prov"
)

// Component describes a correlator deployment for component loaders. Its
// options, when given, must be an Options value; otherwise DefaultOptions
// apply.
//
// The Component only publishes provenance. Forwarding the prov aspect to a
// store is left to a sink.Forwarder, in this process or another.
var Component = component.Descriptor{
	Name: "riskprov-correlator",
	Doc:  "Correlates trade and counterparty events and publishes the provenance of the derived risk records.",
	Bootstrap: func(l *component.L, linker component.Linker, options any) error {
		logger := component.Logger(l.Context())

		opts := DefaultOptions()
		if options != nil {
			o, ok := options.(Options)
			if !ok {
				return fmt.Errorf("unexpected options type %T", options)
			}
			opts = o
		}

		logger.Debug("Opening interest subscriptions...")
		trades, err := linker.LinkInterest(l.GraceContext(), TradesInterest)
		if err != nil {
			return fmt.Errorf("open interest %q: %w", TradesInterest, err)
		}
		l.CleanupBackground(trades.Shutdown)
		counterparties, err := linker.LinkInterest(l.GraceContext(), CounterpartiesInterest)
		if err != nil {
			return fmt.Errorf("open interest %q: %w", CounterpartiesInterest, err)
		}
		l.CleanupBackground(counterparties.Shutdown)
		logger.Info("Interest subscriptions opened successfully")

		logger.Debug("Opening aspect topic...", slog.String("topic-name", ProvAspect))
		prov, err := linker.LinkAspect(l.GraceContext(), ProvAspect)
		if err != nil {
			return fmt.Errorf("open aspect %q: %w", ProvAspect, err)
		}
		l.CleanupContext(prov.Shutdown)
		logger.Info("Aspect topic opened successfully")

		l.Fork("correlator", NewCorrelator(trades, counterparties, prov, opts))
		return nil
	},
	Aspects:   []string{ProvAspect},
	Interests: []string{TradesInterest, CounterpartiesInterest},
}
