package service

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nickpoorman/http-requeue/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const DefaultNatsClientName = "http-requeue"

// ConnectNATS connects to cfg.URL, retrying with exponential backoff for up to
// cfg.ConnectTimeout, or config.DefaultNATSConnectTimeout when that is not
// positive.
func ConnectNATS(ctx context.Context, cfg config.NATS, logger zerolog.Logger) (*nats.Conn, error) {
	name := cfg.Name
	if name == "" {
		name = DefaultNatsClientName
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Err(err).Msg("service: nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("service: nats reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Debug().Msg("service: nats connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, natsErr error) {
			ev := logger.Err(natsErr)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
				if natsErr == nats.ErrSlowConsumer {
					if pending, _, err := sub.Pending(); err == nil {
						ev = ev.Int("pending", pending)
					}
				}
			}
			ev.Msg("service: nats error")
		}),
	}

	var nc *nats.Conn
	connect := func() error {
		var err error
		nc, err = nats.Connect(cfg.URL, opts...)
		if err != nil {
			logger.Warn().Err(err).Str("url", cfg.URL).Msg("service: unable to connect to nats, retrying")
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = connectTimeout(cfg)
	if err := backoff.Retry(connect, backoff.WithContext(b, ctx)); err != nil {
		return nil, errors.Wrapf(err, "service: connecting to nats at %s", cfg.URL)
	}
	return nc, nil
}

// connectTimeout never returns zero, which backoff reads as retry forever.
func connectTimeout(cfg config.NATS) time.Duration {
	if cfg.ConnectTimeout <= 0 {
		return config.DefaultNATSConnectTimeout
	}
	return cfg.ConnectTimeout
}
