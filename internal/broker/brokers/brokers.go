// Package brokers builds the configured broker.Broker implementation.
package brokers

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/broker/bolt"
	"github.com/G-Research/taskrelay/internal/broker/jetstream"
	"github.com/G-Research/taskrelay/internal/broker/pulsar"
	"github.com/G-Research/taskrelay/internal/broker/stan"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/configuration"
)

const (
	defaultConnectRetries = 5
	defaultConnectBackoff = time.Second
)

type opener func(config configuration.BrokerConfig) (broker.Broker, error)

var openers = map[string]opener{
	configuration.BrokerTypeBolt: func(config configuration.BrokerConfig) (broker.Broker, error) {
		return bolt.Open(config.Bolt)
	},
	configuration.BrokerTypePulsar: func(config configuration.BrokerConfig) (broker.Broker, error) {
		return pulsar.Open(config.Pulsar)
	},
	configuration.BrokerTypeJetstream: func(config configuration.BrokerConfig) (broker.Broker, error) {
		return jetstream.Open(config.Jetstream)
	},
	configuration.BrokerTypeStan: func(config configuration.BrokerConfig) (broker.Broker, error) {
		return stan.Open(config.Stan)
	},
}

// New opens the broker selected by config.Type, retrying with exponential backoff while the broker is unreachable.
// Configuration errors are not retried.
func New(ctx context.Context, config configuration.BrokerConfig) (broker.Broker, error) {
	open, ok := openers[config.Type]
	if !ok {
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
			Name:    "broker.type",
			Value:   config.Type,
			Message: "must be one of bolt, pulsar, jetstream, stan",
		})
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	attempts := config.ConnectRetries
	if attempts == 0 {
		attempts = defaultConnectRetries
	}
	backoff := config.ConnectBackoff
	if backoff <= 0 {
		backoff = defaultConnectBackoff
	}

	var b broker.Broker
	err := retry.Do(
		func() error {
			var err error
			b, err = open(config)
			if relayerrors.IsInvalidArgument(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Failed to open %s broker (attempt %d of %d); retrying", config.Type, n+1, attempts)
		}),
	)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s broker", config.Type)
	}
	log.Infof("Opened %s broker", config.Type)
	return b, nil
}
