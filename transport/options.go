package transport

import (
	"time"

	"go.uber.org/zap"
)

type Options struct {
	// Host of the device
	Host string

	// Port of the device. PJLink devices listen on 4352 by default.
	Port int

	// DialTimeout bounds connection establishment. Zero means the
	// operating system default.
	DialTimeout time.Duration

	// ReadTimeout bounds a single framed read. Zero disables the
	// deadline; reads then block until the device answers.
	ReadTimeout time.Duration

	Log *zap.Logger
}
