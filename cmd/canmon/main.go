package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/filter"
	"github.com/kstaniek/go-can-session/internal/hub"
	"github.com/kstaniek/go-can-session/internal/listen"
	"github.com/kstaniek/go-can-session/internal/metrics"
	"github.com/kstaniek/go-can-session/internal/session"
	"github.com/kstaniek/go-can-session/internal/stream"
)

// printBuffer is the listen-mode queue between the listener and stdout.
const printBuffer = 256

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("canmon %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	drv, err := newDriver(cfg)
	if err != nil {
		l.Error("driver_init_error", "error", err)
		os.Exit(1)
	}
	sess := session.New(drv, cfg.iface,
		session.WithFD(cfg.fd),
		session.WithTimeout(cfg.timeout),
		session.WithLogger(l),
		session.WithBatching(newBatching(ctx, cfg, l)),
	)

	// Ready while the session is open and no shutdown is in progress.
	metrics.SetReadinessFunc(func() bool { return sess.IsOpen() && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		if cfg.mdnsEnable {
			port := portFromAddr(cfg.metricsAddr)
			cleanupMDNS, merr := startMDNS(ctx, cfg, port)
			if merr != nil {
				l.Warn("mdns_start_failed", "error", merr)
			} else {
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
				defer cleanupMDNS()
			}
		}
	}

	err = run(ctx, cfg, sess, os.Stdout, l)
	cancel()
	wg.Wait()
	if err != nil {
		l.Error("canmon_failed", "error", err)
		os.Exit(1)
	}
}

// run opens the session, applies filters, sends the queued frames and then
// prints received frames until count is reached or ctx ends.
func run(ctx context.Context, cfg *appConfig, sess *session.Session, out io.Writer, l *slog.Logger) error {
	if err := sess.Open(); err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			l.Warn("session_close_error", "error", err)
		}
	}()

	fs, err := cfg.filterList()
	if err != nil {
		return err
	}
	if len(fs) > 0 {
		if err := sess.SetFilters(fs); err != nil {
			return err
		}
		l.Info("filters_installed", "filters", filter.Set(fs).String())
	}

	frames, err := cfg.sendFrames()
	if err != nil {
		return err
	}
	for _, fr := range frames {
		if err := sess.Enqueue(fr); err != nil {
			return fmt.Errorf("send %s: %w", can.Format(fr), err)
		}
	}
	if len(frames) > 0 {
		if err := sess.Flush(); err != nil {
			return err
		}
		l.Info("frames_sent", "count", len(frames), "batch", cfg.batch)
	}

	if cfg.mode == "stream" {
		return runStream(ctx, cfg, sess, out)
	}
	return runListen(ctx, cfg, sess, out, l)
}

func runListen(ctx context.Context, cfg *appConfig, sess *session.Session, out io.Writer, l *slog.Logger) error {
	lis := listen.New(sess, listen.WithLogger(l))
	client := hub.NewClient[can.Frame](printBuffer, hub.PolicyDrop)
	sub := lis.Frames().Attach(client)
	defer sub.Unsubscribe()
	if err := lis.Start(ctx, listen.Options{PollInterval: cfg.timeout}); err != nil {
		return err
	}
	n := 0
	emit := func(fr can.Frame) bool {
		fmt.Fprintln(out, can.Format(fr))
		n++
		return cfg.count > 0 && n >= cfg.count
	}
	for {
		select {
		case fr := <-client.Out:
			if emit(fr) {
				lis.Stop()
				return lis.Wait()
			}
		case <-lis.Done():
			// Print what was queued before the loop ended.
			for {
				select {
				case fr := <-client.Out:
					if emit(fr) {
						return lis.Wait()
					}
				default:
					return lis.Wait()
				}
			}
		}
	}
}

func runStream(ctx context.Context, cfg *appConfig, sess *session.Session, out io.Writer) error {
	opts := stream.Options{Timeout: cfg.timeout, MaxCount: cfg.count}
	if cfg.kind != "" {
		k, _ := can.ParseKind(cfg.kind)
		opts.Predicate = filter.ByKind(k)
	}
	var it *stream.Iterator
	if cfg.id != "" {
		id, err := cfg.streamID()
		if err != nil {
			return err
		}
		it = stream.FramesWithID(ctx, sess, id, opts)
	} else {
		it = stream.Frames(ctx, sess, opts)
	}
	defer it.Close()
	for fr := range it.All() {
		fmt.Fprintln(out, can.Format(fr))
	}
	// Cancellation is how an unbounded stream normally ends.
	if err := it.Err(); err != nil && (ctx.Err() == nil || !errors.Is(err, ctx.Err())) {
		return err
	}
	return nil
}

// portFromAddr extracts the port of a host:port or :port listen address.
func portFromAddr(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, err := strconv.Atoi(addr[i+1:]); err == nil {
			return pn
		}
	}
	return 0
}
