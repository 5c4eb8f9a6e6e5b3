// Package config loads the process configuration from RISKPROV_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/go-digitaltwin/riskprov"
	"github.com/go-digitaltwin/riskprov/provgraph"
	"github.com/go-digitaltwin/riskprov/sink"
)

// Prefix of every environment variable read by Parse.
const Prefix = "RISKPROV_"

// Sink kinds.
const (
	SinkNone  = "none"
	SinkHTTP  = "http"
	SinkNeo4j = "neo4j"
)

// Config is the configuration of a riskprov process.
type Config struct {
	Window         time.Duration `env:"WINDOW" envDefault:"60s"`
	Grace          time.Duration `env:"GRACE" envDefault:"0s"`
	Shards         int           `env:"SHARDS" envDefault:"8"`
	ExpiryInterval time.Duration `env:"EXPIRY_INTERVAL" envDefault:"1s"`
	VersionSeed    uint64        `env:"VERSION_SEED" envDefault:"0"`

	NamespacePrefix string `env:"NAMESPACE_PREFIX" envDefault:"swl"`
	NamespaceIRI    string `env:"NAMESPACE_IRI" envDefault:"http://semanticweblondon.com/"`
	Calculator      string `env:"CALCULATOR" envDefault:"risk-calculator-1"`
	RecordUpdates   bool   `env:"RECORD_UPDATES" envDefault:"true"`

	// Channels are gocloud.dev/pubsub URLs. The prov channel defaults to an
	// in-process topic drained by the forwarder of the same process.
	TradesURL           string `env:"TRADES_URL,required"`
	CounterpartiesURL   string `env:"COUNTERPARTIES_URL,required"`
	ProvTopicURL        string `env:"PROV_TOPIC_URL" envDefault:"mem://prov"`
	ProvSubscriptionURL string `env:"PROV_SUBSCRIPTION_URL" envDefault:"mem://prov"`

	Sink           string        `env:"SINK" envDefault:"none"`
	SinkEndpoint   string        `env:"SINK_ENDPOINT"`
	SinkWorkers    int           `env:"SINK_WORKERS" envDefault:"8"`
	SinkMaxElapsed time.Duration `env:"SINK_MAX_ELAPSED" envDefault:"5m"`

	Neo4jURI      string `env:"NEO4J_URI"`
	Neo4jUsername string `env:"NEO4J_USERNAME"`
	Neo4jPassword string `env:"NEO4J_PASSWORD"`
	Neo4jDatabase string `env:"NEO4J_DATABASE" envDefault:"provenance"`

	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	// OTELEndpoint is the OTLP/HTTP traces URL. Tracing is off when empty.
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	// ShutdownTimeout bounds the drain of in-flight work once the process is
	// asked to stop.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Parse loads a Config from the environment and validates it.
func Parse() (Config, error) {
	return ParseEnvironment(nil)
}

// ParseEnvironment is like Parse but reads the given variables instead of the
// process environment when environment is non-nil.
func ParseEnvironment(environment map[string]string) (Config, error) {
	var c Config
	err := env.ParseWithOptions(&c, env.Options{
		Prefix:      Prefix,
		Environment: environment,
	})
	if err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("validate: %w", err)
	}
	return c, nil
}

// Validate reports every setting the process cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("%sWINDOW must be positive, got %v", Prefix, c.Window))
	}
	if c.Grace < 0 {
		errs = append(errs, fmt.Errorf("%sGRACE must not be negative, got %v", Prefix, c.Grace))
	}
	if c.Shards <= 0 {
		errs = append(errs, fmt.Errorf("%sSHARDS must be positive, got %d", Prefix, c.Shards))
	}
	if c.ExpiryInterval <= 0 {
		errs = append(errs, fmt.Errorf("%sEXPIRY_INTERVAL must be positive, got %v", Prefix, c.ExpiryInterval))
	}
	ns := provgraph.Namespace{Prefix: c.NamespacePrefix, IRI: c.NamespaceIRI}
	if err := ns.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%sNAMESPACE_PREFIX and %sNAMESPACE_IRI: %w", Prefix, Prefix, err))
	}

	switch c.Sink {
	case SinkNone:
	case SinkHTTP:
		if c.SinkEndpoint == "" {
			errs = append(errs, fmt.Errorf("%sSINK=%s requires %sSINK_ENDPOINT", Prefix, c.Sink, Prefix))
		}
	case SinkNeo4j:
		if c.Neo4jURI == "" {
			errs = append(errs, fmt.Errorf("%sSINK=%s requires %sNEO4J_URI", Prefix, c.Sink, Prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%sSINK must be one of %s, %s or %s, got %q", Prefix, SinkNone, SinkHTTP, SinkNeo4j, c.Sink))
	}
	if c.Sink != SinkNone && c.SinkWorkers <= 0 {
		errs = append(errs, fmt.Errorf("%sSINK_WORKERS must be positive, got %d", Prefix, c.SinkWorkers))
	}
	return errors.Join(errs...)
}

// Correlator returns the options of the correlator.
func (c Config) Correlator() riskprov.Options {
	return riskprov.Options{
		Window:         c.Window,
		Grace:          c.Grace,
		Shards:         c.Shards,
		ExpiryInterval: c.ExpiryInterval,
		VersionSeed:    c.VersionSeed,
		Namespace:      provgraph.Namespace{Prefix: c.NamespacePrefix, IRI: c.NamespaceIRI},
		Calculator:     c.Calculator,
		RecordUpdates:  c.RecordUpdates,
	}
}

// Forwarder returns the options of the sink forwarder.
func (c Config) Forwarder() sink.ForwarderOptions {
	opts := sink.DefaultForwarderOptions()
	opts.Workers = c.SinkWorkers
	opts.MaxElapsed = c.SinkMaxElapsed
	return opts
}
