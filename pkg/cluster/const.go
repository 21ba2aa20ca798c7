package cluster

import (
	"time"

	"github.com/aifoundry-org/cardice/pkg/parallel"
)

const (
	DefaultNamePrefix     = "node"
	DefaultCount          = 1
	DefaultMaxConcurrency = parallel.DefaultMaxConcurrency
	DefaultRefreshPeriod  = parallel.DefaultRefreshPeriod
	DefaultTimeout        = 600 * time.Second

	// nameDigits is the minimum width of the index appended to the prefix
	nameDigits = 3

	pingCommand = "true"
	pingTimeout = 10 * time.Second
)
