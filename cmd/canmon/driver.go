package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-can-session/internal/batch"
	"github.com/kstaniek/go-can-session/internal/cnl"
	"github.com/kstaniek/go-can-session/internal/driver"
	"github.com/kstaniek/go-can-session/internal/loopback"
	"github.com/kstaniek/go-can-session/internal/serial"
	"github.com/kstaniek/go-can-session/internal/socketcan"
)

var errQueueFull = errors.New("send queue full")

// newDriver selects the bus driver named by cfg.driver.
func newDriver(cfg *appConfig) (driver.Driver, error) {
	switch cfg.driver {
	case "socketcan":
		return socketcan.New(socketcan.WithRecvOwn(cfg.recvOwn)), nil
	case "serial":
		return serial.New(serial.WithBaud(cfg.baud)), nil
	case "loopback":
		return loopback.New(), nil
	case "cannelloni":
		return cnl.New(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q (use socketcan|serial|loopback|cannelloni)", cfg.driver)
	}
}

// newBatching maps -batch to a send strategy. Async failures surface in
// the log and on the next Flush.
func newBatching(ctx context.Context, cfg *appConfig, l *slog.Logger) batch.Factory {
	switch cfg.batch {
	case "buffered":
		return batch.Buffered(cfg.batchSize)
	case "async":
		return batch.Async(ctx, cfg.batchSize, batch.Hooks{
			OnError: func(err error) {
				l.Warn("async_send_error", "error", err)
			},
			OnDrop: func() error {
				l.Warn("async_send_dropped", "queue", cfg.batchSize)
				return errQueueFull
			},
		})
	default:
		return batch.Immediate()
	}
}
