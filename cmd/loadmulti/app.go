package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/audit"
	"github.com/ruslano69/loadmulti/pkg/brokers"
	"github.com/ruslano69/loadmulti/pkg/buffer"
	"github.com/ruslano69/loadmulti/pkg/chunk"
	"github.com/ruslano69/loadmulti/pkg/config"
	"github.com/ruslano69/loadmulti/pkg/loaddata"
	"github.com/ruslano69/loadmulti/pkg/metrics"
	"github.com/ruslano69/loadmulti/pkg/resilience"
	"github.com/ruslano69/loadmulti/pkg/resultlog"
	"github.com/ruslano69/loadmulti/pkg/retry"
	"github.com/ruslano69/loadmulti/pkg/secondary"
	"github.com/ruslano69/loadmulti/pkg/server"
)

// app is the wired sink: source -> buffer -> writer.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	source  brokers.Source
	buffer  *buffer.Buffer
	writer  *loaddata.Writer
	retryer *retry.Retryer
	breaker *resilience.CircuitBreaker
	audit   audit.Logger
	results *resultlog.RedisPublisher
	metrics *metrics.Metrics
	server  *http.Server
}

// newApp wires every component. A nil source is built from cfg.Source.
func newApp(ctx context.Context, cfg *config.Config, dialer loaddata.Dialer, source brokers.Source, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, source: source, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeSinks()
		}
	}()

	var err error
	a.audit, err = audit.New(cfg.Audit, cfg.Name, logger)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	auditReporter := audit.Reporter{Logger: a.audit}

	reporters := []loaddata.Reporter{a.metrics, auditReporter}
	if cfg.ResultLog.Enabled {
		a.results = resultlog.NewRedisPublisher(cfg.ResultLog, cfg.Name, logger)
		reporters = append(reporters, a.results)
	}

	opts, err := cfg.MySQL.WriterOptions()
	if err != nil {
		return nil, err
	}
	a.writer = loaddata.NewWriter(opts, dialer, logger, reporters...)

	cbConfig := cfg.CircuitBreaker
	cbConfig.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn().Str("circuit", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
		a.metrics.CircuitStateChanged(name, from, to)
	}
	// a reachable server that rejects the load is not an outage
	cbConfig.IsFailure = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !loaddata.IsUnrecoverable(err)
	}
	a.breaker, err = resilience.New(cbConfig)
	if err != nil {
		return nil, err
	}

	retryConfig := cfg.Retry
	retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying chunk write")
	}
	a.retryer, err = retry.NewRetryer(retryConfig)
	if err != nil {
		return nil, err
	}
	if dlq := a.retryer.DLQ(); dlq != nil {
		if n := dlq.CleanupOld(); n > 0 {
			logger.Info().Int("removed", n).Msg("expired DLQ entries removed")
		}
	}

	sec, err := secondary.New(ctx, cfg.Secondary, func(meta chunk.Metadata) string {
		return a.writer.Resolve(meta).Table
	})
	if err != nil {
		return nil, fmt.Errorf("secondary: %w", err)
	}

	a.buffer, err = buffer.New(buffer.Options{
		Config: cfg.Buffer,
		Output: buffer.OutputFunc(func(ctx context.Context, c chunk.Chunk) error {
			_, err := a.writer.Write(ctx, c)
			return err
		}),
		Retryer:       a.retryer,
		Breaker:       a.breaker,
		Secondary:     sec,
		Injector:      cfg.Inject.Injector(opts.Location),
		Location:      opts.Location,
		Unrecoverable: loaddata.IsUnrecoverable,
		Reporters:     []buffer.DeadLetterReporter{a.metrics, auditReporter},
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	a.metrics.WatchBuffer(a.buffer.Stats)

	if a.source == nil {
		a.source, err = brokers.New(cfg.Source, logger)
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
	}

	if cfg.Server.Enabled {
		a.server = &http.Server{
			Addr: cfg.Server.Addr,
			Handler: server.NewRouter(server.Deps{
				Buffer:  a.buffer,
				DB:      a.writer,
				DLQ:     a.retryer.DLQ(),
				Breaker: a.breaker,
				Metrics: a.metrics.Handler(),
				Logger:  logger.With().Str("component", "http").Logger(),
			}),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}
	}
	ok = true
	return a, nil
}

// run starts the buffer and the HTTP server and feeds the buffer from the
// source until ctx is done or the source ends.
func (a *app) run(ctx context.Context) error {
	audit.LogLifecycle(ctx, a.audit, audit.OpStart, nil)

	if err := a.buffer.Start(ctx); err != nil {
		return fmt.Errorf("buffer start: %w", err)
	}

	if a.server != nil {
		go func() {
			a.logger.Info().Str("addr", a.server.Addr).Msg("http server started")
			if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error().Err(err).Msg("http server error")
			}
		}()
	}

	a.logger.Info().
		Str("source", a.source.Type()).
		Str("buffer", a.cfg.Buffer.Type).
		Str("database", a.cfg.MySQL.Database).
		Str("table", a.cfg.MySQL.TableName).
		Msg("loadmulti started")

	err := a.source.Run(ctx, a.buffer.Emit)
	switch {
	case err != nil:
		a.logger.Error().Err(err).Msg("source stopped")
	case ctx.Err() == nil:
		a.logger.Info().Msg("source finished")
	}
	return err
}

// shutdown closes the source, drains the buffer within timeout and closes
// every sink.
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}

	bufErr := a.buffer.Close(ctx)
	if bufErr != nil {
		errs = append(errs, bufErr)
	}
	stats := a.buffer.Stats()
	a.logger.Info().
		Uint64("flushed_chunks", stats.Flushed).
		Uint64("flushed_records", stats.FlushedRecords).
		Uint64("dead_lettered", stats.DeadLettered).
		Msg("buffer drained")

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	audit.LogLifecycle(ctx, a.audit, audit.OpStop, bufErr)
	if err := a.closeSinks(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) closeSinks() error {
	var errs []error
	if a.retryer != nil {
		errs = append(errs, a.retryer.Close())
	}
	if a.results != nil {
		errs = append(errs, a.results.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	return errors.Join(errs...)
}
