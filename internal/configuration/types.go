package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

const (
	BrokerTypeBolt      = "bolt"
	BrokerTypePulsar    = "pulsar"
	BrokerTypeJetstream = "jetstream"
	BrokerTypeStan      = "stan"

	ResultStoreTypeRedis    = "redis"
	ResultStoreTypePostgres = "postgres"
	ResultStoreTypeLog      = "log"

	FramingLengthPrefixed = "length-prefixed"
	FramingNewline        = "newline"
	FramingSingleRead     = "single-read"
)

type GatewayConfiguration struct {
	ListenAddress string
	MetricsPort   uint16
	// Framing is one of length-prefixed, newline or single-read.
	Framing string
	// MaxFrameBytes bounds a length-prefixed or newline frame.
	MaxFrameBytes int
	// ReadBufferSize is the size of the one read performed in single-read mode.
	ReadBufferSize           int
	MaxConcurrentConnections int
	// AcceptBacklog is how many accepted connections may wait for a handler slot before being turned away.
	AcceptBacklog      int
	BacklogWaitTimeout time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	PublishTimeout     time.Duration
	ShutdownTimeout    time.Duration
	// Routes overrides the default task type to queue mapping when non-empty.
	Routes map[string]string
	Broker BrokerConfig
}

type WorkerConfiguration struct {
	MetricsPort uint16
	// Queues lists the queues this process drains, keyed by queue name.
	Queues map[string]QueueConfig
	// Routes is used to map queues back to the task types whose executors must be registered.
	Routes           map[string]string
	DeadLetterSuffix string
	ShutdownTimeout  time.Duration
	// DepthPollInterval controls how often the queue depth gauge is refreshed. Zero disables it.
	DepthPollInterval time.Duration
	Broker            BrokerConfig
	ResultStore       ResultStoreConfig
	Storage           StorageConfig
}

type QueueConfig struct {
	PoolSize int
	// TaskTimeout bounds one execution of a task. Zero means 300s.
	TaskTimeout time.Duration
	// MaxAttempts caps redeliveries after infrastructural failures. Zero means no cap.
	MaxAttempts int
	// AckRetryBackoff is slept between failed ack/nack attempts.
	AckRetryBackoff time.Duration
}

type BrokerConfig struct {
	Type           string
	ConnectRetries uint
	ConnectBackoff time.Duration
	Bolt           BoltConfig
	Pulsar         PulsarConfig
	Jetstream      JetstreamConfig
	Stan           StanConfig
}

type BoltConfig struct {
	Path         string
	PollInterval time.Duration
	OpenTimeout  time.Duration
}

type PulsarConfig struct {
	// Pulsar URL
	URL string
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AuthenticationType is "JWT"
	JwtTokenPath string
	Tenant       string
	Namespace    string
	// Time after which a send is abandoned and reported as failed
	SendTimeout time.Duration
	// Delay before a nacked message is redelivered
	NackRedeliveryDelay time.Duration
	// Maximum time to wait for the initial connection
	ConnectionTimeout time.Duration
}

type JetstreamConfig struct {
	Servers     []string
	ConnTimeout time.Duration
	Replicas    int
	InMemory    bool
	MaxAgeDays  int
	// AckWait is how long a delivery may stay un-acked before JetStream redelivers it.
	AckWait time.Duration
	// FetchTimeout bounds a single pull request; Receive keeps pulling until a message or cancellation.
	FetchTimeout time.Duration
}

type StanConfig struct {
	Servers   []string
	ClusterID string
	ClientID  string
	// AckWait is how long a delivery may stay un-acked before the streaming server redelivers it.
	AckWait time.Duration
}

type ResultStoreConfig struct {
	Type     string
	TTL      time.Duration
	Redis    redis.UniversalOptions
	Postgres PostgresConfig
}

type PostgresConfig struct {
	PoolMaxOpenConns    int
	PoolMaxConnLifetime time.Duration
	Connection          map[string]string
}

type StorageConfig struct {
	// Prefix is the location generated files are reported under, e.g. s3://payroll-files
	Prefix string
}
