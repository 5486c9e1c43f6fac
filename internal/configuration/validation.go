package configuration

import (
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/taskrelay/internal/common/relayerrors"
)

func (c GatewayConfiguration) Validate() error {
	var result *multierror.Error
	if strings.TrimSpace(c.ListenAddress) == "" {
		result = multierror.Append(result, invalid("listenAddress", c.ListenAddress, "must be set"))
	}
	switch c.Framing {
	case FramingLengthPrefixed, FramingNewline:
		if c.MaxFrameBytes <= 0 {
			result = multierror.Append(result, invalid("maxFrameBytes", c.MaxFrameBytes, "must be positive"))
		}
	case FramingSingleRead:
		if c.ReadBufferSize <= 0 {
			result = multierror.Append(result, invalid("readBufferSize", c.ReadBufferSize, "must be positive"))
		}
	default:
		result = multierror.Append(result, invalid("framing", c.Framing, "must be one of length-prefixed, newline, single-read"))
	}
	if c.MaxConcurrentConnections <= 0 {
		result = multierror.Append(result, invalid("maxConcurrentConnections", c.MaxConcurrentConnections, "must be positive"))
	}
	if c.AcceptBacklog < 0 {
		result = multierror.Append(result, invalid("acceptBacklog", c.AcceptBacklog, "must not be negative"))
	}
	if err := c.Broker.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (c WorkerConfiguration) Validate() error {
	var result *multierror.Error
	if len(c.Queues) == 0 {
		result = multierror.Append(result, invalid("queues", c.Queues, "at least one queue must be configured"))
	}
	for name, q := range c.Queues {
		if q.PoolSize <= 0 {
			result = multierror.Append(result, invalid("queues."+name+".poolSize", q.PoolSize, "must be positive"))
		}
		if q.MaxAttempts < 0 {
			result = multierror.Append(result, invalid("queues."+name+".maxAttempts", q.MaxAttempts, "must not be negative"))
		}
	}
	if c.DeadLetterSuffix == "" {
		result = multierror.Append(result, invalid("deadLetterSuffix", c.DeadLetterSuffix, "must be set"))
	}
	if err := c.Broker.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	switch c.ResultStore.Type {
	case ResultStoreTypeRedis, ResultStoreTypePostgres, ResultStoreTypeLog:
	default:
		result = multierror.Append(result, invalid("resultStore.type", c.ResultStore.Type, "must be one of redis, postgres, log"))
	}
	return result.ErrorOrNil()
}

func (c BrokerConfig) Validate() error {
	switch c.Type {
	case BrokerTypeBolt:
		if c.Bolt.Path == "" {
			return invalid("broker.bolt.path", c.Bolt.Path, "must be set")
		}
	case BrokerTypePulsar:
		if c.Pulsar.URL == "" {
			return invalid("broker.pulsar.url", c.Pulsar.URL, "must be set")
		}
	case BrokerTypeJetstream:
		if len(c.Jetstream.Servers) == 0 {
			return invalid("broker.jetstream.servers", c.Jetstream.Servers, "must be set")
		}
	case BrokerTypeStan:
		if len(c.Stan.Servers) == 0 || c.Stan.ClusterID == "" {
			return invalid("broker.stan", c.Stan.ClusterID, "servers and clusterId must be set")
		}
	default:
		return invalid("broker.type", c.Type, "must be one of bolt, pulsar, jetstream, stan")
	}
	return nil
}

func invalid(name string, value interface{}, message string) error {
	return errors.WithStack(&relayerrors.ErrInvalidArgument{Name: name, Value: value, Message: message})
}
