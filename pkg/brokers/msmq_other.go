//go:build !windows

package brokers

import (
	"fmt"

	"github.com/rs/zerolog"
)

// NewMSMQ - MSMQ доступен только в Windows
func NewMSMQ(cfg MSMQConfig, tag string, logger zerolog.Logger) (Source, error) {
	return nil, fmt.Errorf("MSMQ is only supported on Windows platforms")
}
