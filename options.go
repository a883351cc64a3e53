package acm

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds every tunable for a Client. Construct via DefaultConfig and
// override only the fields you need; zero-value fields not covered by
// DefaultConfig fall back to sane internal defaults where noted.
type Config struct {
	// Endpoint is either the address-server host[:port] (when
	// AddressServerEnabled is true) or a single control-plane host[:port]
	// (when false).
	Endpoint string
	// AddressServerPort is the port the address server listens on for
	// discovery requests. Only used when AddressServerEnabled is true.
	AddressServerPort int
	// AddressServerEnabled toggles address-server discovery mode ("cai_enabled"
	// in the source). When false, Endpoint is parsed once as a single server.
	AddressServerEnabled bool
	// TLSEnabled switches all control-plane requests to https.
	TLSEnabled bool

	// AccessKey/SecretKey are the Spas auth credentials. SecurityTokenFunc,
	// if set, is consulted for each request and its result (if non-empty)
	// is sent as Spas-SecurityToken - this is the indirection point for an
	// external RAM/STS credential-refresh oracle; this package never talks
	// to RAM directly.
	AccessKey         string
	SecretKey         string
	SecurityTokenFunc func() string
	// AuthEnabled allows disabling request signing entirely (for test
	// servers or deployments that don't enforce auth).
	AuthEnabled bool

	// DefaultTimeout bounds a single Get/Publish/Remove call when the
	// caller doesn't supply one explicitly. Default: 3s.
	DefaultTimeout time.Duration
	// NoSnapshot, if true, makes Get skip the snapshot fallback entirely and
	// raise ErrNoServerAvailable as soon as the remote fetch fails, instead
	// of falling back to any on-disk cache.
	NoSnapshot bool

	// FailoverBase is the read-only overlay root, manually provisioned by
	// operators to survive known outages. Leave empty to disable.
	FailoverBase string
	// SnapshotBase is the read-write local cache root, populated by every
	// successful remote fetch. Leave empty to disable snapshotting.
	SnapshotBase string

	// PullingTimeout is the server-side long-poll hold time requested via
	// the Long-Pulling-Timeout header. Default: 30s.
	PullingTimeout time.Duration
	// PullingConfigSize is the max number of subscriptions assigned to a
	// single poller shard before the next subscription spills to the next
	// shard. Default: 3000.
	PullingConfigSize int
	// CallbackThreadNum is the fixed size of the callback dispatcher's
	// worker pool. Default: 10.
	CallbackThreadNum int
	// ListenerQueueDepth bounds the per-worker channel in the callback
	// dispatcher. Default: 64.
	ListenerQueueDepth int

	// AppName identifies this client to the control plane (sent as
	// "appName" on publish). Default: "ACM-SDK".
	AppName string

	// KMSEnabled turns on envelope encryption for keys whose dataId has the
	// cipher- prefix. Encrypter/Decrypter are the opaque KMS oracles; KeyID
	// identifies which KMS key to use on encrypt.
	KMSEnabled bool
	KeyID      string
	Encrypter  Encrypter
	Decrypter  Decrypter

	// Logger, if set, receives structured debug/warn logging from every
	// component. Leave nil to disable logging entirely - there is no
	// process-global logging toggle in this package.
	Logger *logrus.Entry
}

// DefaultConfig returns a Config with every numeric/string default from
// spec §6 applied. Endpoint, AccessKey, SecretKey are left empty for the
// caller to fill in.
func DefaultConfig() *Config {
	return &Config{
		AddressServerPort:    8080,
		AddressServerEnabled: true,
		TLSEnabled:           false,
		AuthEnabled:          true,
		DefaultTimeout:       3 * time.Second,
		NoSnapshot:           false,
		PullingTimeout:       30 * time.Second,
		PullingConfigSize:    3000,
		CallbackThreadNum:    10,
		ListenerQueueDepth:   64,
		AppName:              "ACM-SDK",
	}
}

func (c *Config) logger() *logrus.Entry {
	return c.Logger
}

const addressDiscoveryInterval = 30 * time.Second
