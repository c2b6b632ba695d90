package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/pjlink/transport"
)

// MetadataProvider supplies the adapter build metadata surfaced in the
// AdapterMetadata# snapshot group.
type MetadataProvider interface {
	Get(key string) string
	StartedAt() time.Time
}

type Options struct {
	// Transport carries bytes to and from the device. Required.
	Transport transport.Transport

	// Password for devices that request authentication. Ignored when the
	// device greets with "PJLINK 0".
	Password string

	// CommandsCooldown is the minimum gap between any two commands.
	// Values below 200ms are clamped to 200ms.
	CommandsCooldown time.Duration

	// ConnectionKeepAlive is the idle period after which the supervisor
	// refreshes the TCP session. Zero selects the default of 25s; a
	// negative value disables the supervisor entirely. Must be shorter
	// than the device's own idle timeout.
	ConnectionKeepAlive time.Duration

	// InputRefreshInterval is how long a retrieved input catalog stays
	// fresh. Defaults to 30 minutes.
	InputRefreshInterval time.Duration

	// Metadata supplies the AdapterMetadata# properties. Optional.
	Metadata MetadataProvider

	Log *zap.Logger
}
