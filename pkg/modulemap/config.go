package modulemap

import (
	"flag"
	"fmt"
	"math"

	"github.com/go-kit/log"
)

type Config struct {
	KernelStart  uint64 `yaml:"kernel_start"`
	LogConflicts bool   `yaml:"log_conflicts"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Uint64Var(&cfg.KernelStart, "modmap.kernel-start", math.MaxUint64, "Addresses at or above this value resolve in the kernel address space (pid 0). Hex values are accepted.")
	f.BoolVar(&cfg.LogConflicts, "modmap.log-conflicts", true, "Log sections that overlap an already loaded section.")
}

func (cfg *Config) Validate() error {
	if cfg.KernelStart == 0 {
		return fmt.Errorf("invalid kernel-start value, must be positive")
	}
	return nil
}

// NewFromConfig validates cfg and builds an empty map from it. metrics may be nil.
func NewFromConfig(cfg Config, logger log.Logger, metrics *Metrics) (*ModuleMap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []Option{
		WithKernelStart(cfg.KernelStart),
		WithMetrics(metrics),
	}
	if cfg.LogConflicts {
		opts = append(opts, WithDiagnostics(NewLogDiagnostics(logger)))
	}
	return New(opts...), nil
}
