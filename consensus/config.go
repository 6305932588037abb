package consensus

import (
	"errors"
	"time"
)

const (
	defaultEpochLength       = int64(8)
	defaultViewChangeTimeout = 10 * time.Second
	defaultCatchupThreshold  = int64(2)
	defaultTransferRetry     = 5 * time.Second
)

// Config carries the tunables of the ordering core.
type Config struct {
	// EpochLength is the number of block slots per epoch.
	EpochLength int64 `mapstructure:"epoch_length"`

	// ViewChangeTimeout is the initial per-slot timeout; it doubles on each
	// successive view change within the same block.
	ViewChangeTimeout time.Duration `mapstructure:"view_change_timeout"`

	// CatchupThreshold is how many epochs behind a weak quorum of peers this
	// node may fall before abandoning live consensus for state transfer.
	// Must be >= 2.
	CatchupThreshold int64 `mapstructure:"catchup_threshold"`

	// TransferRetryInterval is how often an unanswered block transfer
	// request is re-sent.
	TransferRetryInterval time.Duration `mapstructure:"transfer_retry_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		EpochLength:           defaultEpochLength,
		ViewChangeTimeout:     defaultViewChangeTimeout,
		CatchupThreshold:      defaultCatchupThreshold,
		TransferRetryInterval: defaultTransferRetry,
	}
}

// TestConfig returns a config sized for tests: tiny epochs, a view-change
// timeout long enough that tests trigger view changes explicitly instead of
// racing the timer.
func TestConfig() *Config {
	return &Config{
		EpochLength:           2,
		ViewChangeTimeout:     10 * time.Second,
		CatchupThreshold:      defaultCatchupThreshold,
		TransferRetryInterval: 100 * time.Millisecond,
	}
}

func (cfg *Config) ValidateBasic() error {
	if cfg.EpochLength <= 0 {
		return errors.New("epoch length must be positive")
	}
	if cfg.ViewChangeTimeout <= 0 {
		return errors.New("view change timeout must be positive")
	}
	if cfg.CatchupThreshold < 2 {
		return errors.New("catchup threshold must be at least 2")
	}
	return nil
}
