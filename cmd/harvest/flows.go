package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/nao1215/consoleharvest/internal/config"
	"github.com/nao1215/consoleharvest/internal/credential"
	"github.com/nao1215/consoleharvest/internal/dedup"
	"github.com/nao1215/consoleharvest/internal/fetcher"
	"github.com/nao1215/consoleharvest/internal/model"
	"github.com/nao1215/consoleharvest/internal/pipeline"
	"github.com/nao1215/consoleharvest/internal/retry"
	"github.com/nao1215/consoleharvest/internal/sink"
)

// alertsToLog routes anomalies to the log instead of a file.
const alertsToLog = "log"

// flowBuilder turns flow configurations into harvesters. Flows that log in
// the same way share one credential store, so a session refreshed by one
// flow is reused by the next. Flows writing the same CSV file share one
// CSVFile, which serializes their appends.
type flowBuilder struct {
	logger  *slog.Logger
	store   storage
	dryRun  bool
	now     func() time.Time
	creds   map[string]*credential.Store
	csvs    map[string]*sink.CSVFile
	closers []io.Closer
}

func newFlowBuilder(logger *slog.Logger, store storage, dryRun bool) *flowBuilder {
	return &flowBuilder{
		logger: logger,
		store:  store,
		dryRun: dryRun,
		now:    time.Now,
		creds:  make(map[string]*credential.Store),
		csvs:   make(map[string]*sink.CSVFile),
	}
}

// Close closes the files opened for the flows.
func (b *flowBuilder) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// build creates the harvester for one validated flow.
func (b *flowBuilder) build(name string, fc config.FlowConfig) (pipeline.Harvester, error) {
	logger := b.logger.With("flow", name)

	f, err := newFetcher(fc)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", name, err)
	}

	creds, err := b.credentials(fc)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", name, err)
	}

	persister, err := b.persister(fc, logger)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", name, err)
	}

	opts := harvestOptions(fc, logger, b.now())
	if fc.Paging.Mode == config.ModeConcurrent {
		return pipeline.NewCoordinator(name, fc.Account, f, creds, persister, opts...), nil
	}
	return pipeline.NewOrchestrator(name, fc.Account, f, creds, persister, opts...), nil
}

// newFetcher builds the HTTP/JSON adapter for a flow.
func newFetcher(fc config.FlowConfig) (*fetcher.HTTPJSON, error) {
	return fetcher.NewHTTPJSON(fetcher.HTTPJSONOptions{
		Platform:         fc.Platform,
		BaseURL:          fc.Request.BaseURL,
		Path:             fc.Request.Path,
		PageParam:        fc.Request.PageParam,
		SizeParam:        fc.Request.SizeParam,
		Query:            fc.Request.Query,
		Headers:          fc.Request.Headers,
		CredentialHeader: fc.Request.CredentialHeader,
		CredentialScheme: fc.Request.CredentialScheme,
		CredentialCookie: fc.Request.CredentialCookie,
		RecordsPath:      fc.Response.RecordsPath,
		KeyField:         fc.Response.KeyField,
		TotalPagesPath:   fc.Response.TotalPagesPath,
		Fields:           fc.Response.Fields,
		Classifier: fetcher.StatusClassifier{
			AuthErrorPath:  fc.Response.AuthErrorPath,
			AuthErrorCodes: fc.Response.AuthErrorCodes,
			RequiredField:  fc.Response.RequiredField,
		},
		ProxyAddress: fc.Request.Proxy,
		UserAgent:    fc.Request.UserAgent,
		Timeout:      fc.Request.Timeout,
		MaxBodyBytes: fc.Request.MaxBodyBytes,
	})
}

// credentials returns the shared store for the flow's login method.
func (b *flowBuilder) credentials(fc config.FlowConfig) (*credential.Store, error) {
	key := credentialKey(fc)
	if s, ok := b.creds[key]; ok {
		return s, nil
	}

	auth, err := newAuthenticator(fc)
	if err != nil {
		return nil, err
	}

	opts := []credential.Option{
		credential.WithLogger(b.logger),
		credential.WithRefreshTimeout(fc.Auth.RefreshTimeout),
	}
	if expired := newExpiry(fc.Auth); expired != nil {
		opts = append(opts, credential.WithExpiry(expired))
	}

	s := credential.NewStore(auth, opts...)
	b.creds[key] = s
	return s, nil
}

// credentialKey identifies a login method without including secrets.
func credentialKey(fc config.FlowConfig) string {
	a := fc.Auth
	return strings.Join([]string{
		fc.Account, a.Type, a.CredentialEnv, strings.Join(a.Command, " "), a.TokenURL, a.ClientID,
	}, "\x00")
}

// errEmptySecret is returned for a static flow whose credential is unset.
var errEmptySecret = errors.New("static credential is empty")

// newAuthenticator builds the Authenticator for a flow.
func newAuthenticator(fc config.FlowConfig) (credential.Authenticator, error) {
	switch fc.Auth.Type {
	case config.AuthStatic:
		secret := fc.Auth.Secret()
		if secret == "" {
			if fc.Auth.CredentialEnv != "" {
				return nil, fmt.Errorf("%w: set %s", errEmptySecret, fc.Auth.CredentialEnv)
			}
			return nil, errEmptySecret
		}
		return credential.StaticAuthenticator{fc.Account: secret}, nil
	case config.AuthCommand:
		return credential.NewCommandAuthenticator(fc.Auth.Command, fc.Auth.Timeout), nil
	case config.AuthOAuth2:
		return &credential.OAuth2Authenticator{
			Default: &clientcredentials.Config{
				ClientID:     fc.Auth.ClientID,
				ClientSecret: fc.Auth.ClientSecretValue(),
				TokenURL:     fc.Auth.TokenURL,
				Scopes:       fc.Auth.Scopes,
			},
		}, nil
	default:
		return nil, config.ErrInvalidAuthType
	}
}

// newExpiry returns the expiry predicate for a flow, or nil.
func newExpiry(a config.AuthConfig) func(model.Session) bool {
	switch a.Expiry {
	case config.ExpiryJWT:
		return credential.JWTExpired(a.Leeway, nil)
	case config.ExpiryMaxAge:
		return credential.OlderThan(a.MaxAge, nil)
	default:
		return nil
	}
}

// persister builds the persistence chain for a flow. Dry runs collect
// records in memory.
func (b *flowBuilder) persister(fc config.FlowConfig, logger *slog.Logger) (pipeline.Persister, error) {
	if b.dryRun {
		return &pipeline.Collector{}, nil
	}

	store := dedup.NewStore(b.store, b.store, dedup.WithLogger(logger))
	opts := []sink.ChainOption{sink.WithChainLogger(logger)}

	if fc.Output.CSV != "" {
		csv, err := b.csvFile(fc.Output.CSV, fc.Response.Fields)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sink.WithCSV(csv))
	}

	if a := fc.Output.Anomaly; a.Enabled() {
		opts = append(opts, sink.WithAnomalyRule(a.Name, anomalyRule(a)))

		switch fc.Output.Alerts {
		case "", alertsToLog:
			opts = append(opts, sink.WithAlerts(sink.LogAlerts{Logger: logger}))
		default:
			alerts, closer, err := sink.OpenJSONLinesFile(fc.Output.Alerts)
			if err != nil {
				return nil, err
			}
			b.closers = append(b.closers, closer)
			opts = append(opts, sink.WithAlerts(alerts))
		}
	}

	return sink.NewChain(store, opts...), nil
}

// csvFile returns the CSV sink for path, creating it on first use. A second
// flow on the same path must select the same fields.
func (b *flowBuilder) csvFile(path string, fields []string) (*sink.CSVFile, error) {
	key := filepath.Clean(path)
	csv, err := sink.NewCSVFile(key, fields)
	if err != nil {
		return nil, err
	}
	shared, ok := b.csvs[key]
	if !ok {
		b.csvs[key] = csv
		return csv, nil
	}
	if !slices.Equal(shared.Columns(), csv.Columns()) {
		return nil, fmt.Errorf("%w: %s: columns %v, another flow writes %v",
			sink.ErrHeaderMismatch, key, csv.Columns(), shared.Columns())
	}
	return shared, nil
}

// anomalyRule builds the predicate of a validated anomaly rule.
func anomalyRule(a config.AnomalyConfig) dedup.Predicate {
	if a.Rule == config.RuleFieldBelow {
		return dedup.FieldBelow(a.Field, a.Min)
	}
	return dedup.QuantityMismatch(a.Delivered, a.Received)
}

// harvestOptions translates a merged flow into harvester options.
func harvestOptions(fc config.FlowConfig, logger *slog.Logger, now time.Time) []pipeline.Option {
	p := fc.Paging
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithRetryPolicy(retryPolicy(fc.Retry)),
		pipeline.WithAuthAttempts(p.AuthAttempts),
		pipeline.WithFirstPage(p.FirstPage),
		pipeline.WithPageSize(p.PageSize),
		pipeline.WithMaxPages(p.MaxPages),
		pipeline.WithWorkers(p.Workers),
		pipeline.WithBufferThreshold(p.BufferThreshold),
		pipeline.WithDrainTimeout(p.DrainTimeout),
		pipeline.WithConsumerTimeout(p.ConsumerTimeout),
	}
	if p.MaxConsecutiveSkips != nil {
		opts = append(opts, pipeline.WithMaxConsecutiveSkips(*p.MaxConsecutiveSkips))
	}
	if p.StopOnShortPage != nil {
		opts = append(opts, pipeline.WithStopOnShortPage(*p.StopOnShortPage))
	}
	if p.SkipExhaustedPages != nil {
		opts = append(opts, pipeline.WithSkipExhaustedPages(*p.SkipExhaustedPages))
	}
	if p.ContinueOnStorageError != nil {
		opts = append(opts, pipeline.WithContinueOnStorageError(*p.ContinueOnStorageError))
	}
	if c := p.Cutoff; c.Enabled() {
		opts = append(opts, pipeline.WithCutoff(pipeline.FieldOlderThan(c.Field, c.Layout, now.Add(-c.OlderThan))))
	}
	return opts
}

// retryPolicy overlays the configured retry settings on the default policy.
func retryPolicy(rc config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoff > 0 {
		p.InitialBackoff = rc.InitialBackoff
	}
	if rc.MaxBackoff > 0 {
		p.MaxBackoff = rc.MaxBackoff
	}
	if rc.Factor > 0 {
		p.Factor = rc.Factor
	}
	if rc.Jitter > 0 {
		p.Jitter = rc.Jitter
	}
	return p
}
