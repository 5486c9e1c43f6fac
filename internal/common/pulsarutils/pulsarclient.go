package pulsarutils

import (
	"fmt"
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/configuration"
)

const (
	defaultTenant    = "public"
	defaultNamespace = "default"
)

func NewPulsarClient(config *configuration.PulsarConfig) (pulsar.Client, error) {
	var authentication pulsar.Authentication

	// Sanity check that supplied Pulsar authentication parameters make sense
	if config.AuthenticationEnabled {
		if strings.ToLower(config.AuthenticationType) != "jwt" {
			return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
				Name:    "broker.pulsar.authenticationType",
				Value:   config.AuthenticationType,
				Message: "Only JWT Authentication for Pulsar is supported right now.",
			})
		}
		if strings.TrimSpace(config.JwtTokenPath) == "" {
			return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
				Name:    "broker.pulsar.jwtTokenPath",
				Value:   config.JwtTokenPath,
				Message: "JWT authentication was configured for Pulsar but no JwtTokenPath was supplied",
			})
		}
		authentication = pulsar.NewAuthenticationTokenFromFile(config.JwtTokenPath)
	}

	connectionTimeout := config.ConnectionTimeout
	if connectionTimeout <= 0 {
		connectionTimeout = 10 * time.Second
	}

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		ConnectionTimeout:          connectionTimeout,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
		Authentication:             authentication,
		Logger:                     pulsarlog.NewLoggerWithLogrus(logrus.StandardLogger()),
	})
	return client, errors.WithStack(err)
}

// TopicName returns the fully qualified persistent topic backing queue.
func TopicName(config *configuration.PulsarConfig, queue string) string {
	tenant, namespace := config.Tenant, config.Namespace
	if tenant == "" {
		tenant = defaultTenant
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return fmt.Sprintf("persistent://%s/%s/%s", tenant, namespace, queue)
}
