package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/commission-ledger/metrics"
)

// CycleConfigKey is the configuration-table key holding the settlement cycle.
const CycleConfigKey = "financial_settlement_cycle"

// CycleConfig is the process-wide settlement cycle setting.
//
// Reads are best-effort: any store error or garbage value yields
// DefaultCycle. Changing the cycle affects only future period-key
// computation; stored ledger entries keep their own cycle.
type CycleConfig struct {
	store  ConfigStore
	logger *zap.Logger
}

// NewCycleConfig creates a cycle configuration over store.
func NewCycleConfig(store ConfigStore, logger *zap.Logger) *CycleConfig {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleConfig{store: store, logger: logger}
}

// Get returns the configured cycle. It never fails.
func (c *CycleConfig) Get(ctx context.Context) Cycle {
	value, ok, err := c.store.GetConfig(ctx, CycleConfigKey)
	if err != nil {
		c.logger.Warn("read settlement cycle failed, using default",
			zap.Error(err), zap.String("default", string(DefaultCycle)))
		return DefaultCycle
	}
	if !ok {
		return DefaultCycle
	}
	cycle, err := ParseCycle(value)
	if err != nil {
		c.logger.Warn("stored settlement cycle is invalid, using default",
			zap.String("value", value), zap.String("default", string(DefaultCycle)))
		return DefaultCycle
	}
	return cycle
}

// Set stores a new cycle with a single upsert.
func (c *CycleConfig) Set(ctx context.Context, cycle Cycle) error {
	if !cycle.Valid() {
		return &InvalidInputError{Field: "cycle", Value: string(cycle), Reason: "must be MONTHLY or WEEKLY"}
	}
	if err := c.store.PutConfig(ctx, CycleConfigKey, string(cycle)); err != nil {
		return fmt.Errorf("save settlement cycle: %w", err)
	}
	metrics.IncCycleChange(string(cycle))
	c.logger.Info("settlement cycle changed", zap.String("cycle", string(cycle)))
	return nil
}
