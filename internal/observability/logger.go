package observability

import "github.com/tphakala/birdnet-search/internal/logger"

// Package-level cached logger instance.
var log = logger.Global().Module("observability")
