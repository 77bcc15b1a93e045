package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nao1215/consoleharvest/internal/dedup"
	"github.com/nao1215/consoleharvest/internal/model"
)

// Chain persists a batch: deduplicate and upsert, append the fresh records to
// the CSV file, then route anomalies among them to the alert sinks.
type Chain struct {
	store    *dedup.Store
	csv      *CSVFile
	rule     dedup.Predicate
	ruleName string
	alerts   []AlertSink
	logger   *slog.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithCSV appends fresh records to f.
func WithCSV(f *CSVFile) ChainOption {
	return func(c *Chain) {
		c.csv = f
	}
}

// WithAnomalyRule sets the rule run over every persisted batch.
func WithAnomalyRule(name string, rule dedup.Predicate) ChainOption {
	return func(c *Chain) {
		c.ruleName = name
		c.rule = rule
	}
}

// WithAlerts adds alert sinks.
func WithAlerts(sinks ...AlertSink) ChainOption {
	return func(c *Chain) {
		c.alerts = append(c.alerts, sinks...)
	}
}

// WithChainLogger sets the logger.
func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = logger
	}
}

// NewChain creates a Chain around a dedup store.
func NewChain(store *dedup.Store, opts ...ChainOption) *Chain {
	c := &Chain{store: store}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Persist implements the harvesters' persister contract.
// Storage failures return model.ErrStorageUnavailable. When the CSV append
// fails, the batch's fingerprints are released so a rerun writes the rows
// again. Alert delivery
// failures are logged and do not fail the batch.
func (c *Chain) Persist(ctx context.Context, records []model.Record) (model.BatchResult, error) {
	result := model.BatchResult{Received: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	persisted, err := c.store.Persist(ctx, records)
	if err != nil {
		return result, err
	}
	result.Persisted = len(persisted.Fresh)

	if c.csv != nil && len(persisted.Fresh) > 0 {
		if err := c.csv.Append(persisted.Fresh); err != nil {
			err = fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
			if rerr := c.store.Release(context.WithoutCancel(ctx), persisted.Fresh); rerr != nil {
				c.logger.Error("failed to release fingerprints", "count", len(persisted.Fresh), "error", rerr)
				err = errors.Join(err, rerr)
			}
			return model.BatchResult{Received: len(records)}, err
		}
	}

	if c.rule == nil {
		return result, nil
	}
	anomalies := c.store.DetectAnomalous(persisted.Fresh, c.rule)
	result.Anomalies = len(anomalies)
	if len(anomalies) == 0 {
		return result, nil
	}

	for _, sink := range c.alerts {
		if err := sink.Alert(ctx, c.ruleName, anomalies); err != nil {
			c.logger.Error("alert delivery failed", "rule", c.ruleName, "count", len(anomalies), "error", err)
		}
	}
	return result, nil
}
