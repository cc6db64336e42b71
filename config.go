package rotor

import (
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/rotorlib/rotor/mse"
)

// How eagerly we obfuscate peer connections.
type EncryptionPolicy int

const (
	// Plaintext both ways, encrypted incoming connections refused.
	EncryptionDisabled EncryptionPolicy = iota
	// Plaintext outgoing, but encrypted incoming accepted.
	EncryptionAllowIncoming
	// Try encrypted first on outgoing, fall back to plaintext.
	EncryptionPrefer
	// Encrypted only, both directions.
	EncryptionRequire
)

type DhtMode int

const (
	// Run the DHT whenever a listen socket could be bound.
	DhtAuto DhtMode = iota
	DhtOff
	DhtOn
)

var unlimited = rate.NewLimiter(rate.Inf, 0)

// Probably not safe to modify this after it's given to a Client.
type ClientConfig struct {
	// Store torrent file data in this directory.
	DataDir string
	// TCP listen port for peer connections; the DHT shares the port over UDP.
	// Zero picks an ephemeral port.
	ListenPort int

	// User-provided peer ID. If not present, one is generated from Bep20.
	PeerID string
	// Peer ID prefix, BEP 20 style.
	Bep20 string
	// The v field of our extended handshake.
	ExtendedHandshakeClientVersion string

	Encryption EncryptionPolicy
	// Chooses the crypto method when receiving obfuscated connections.
	CryptoSelector mse.CryptoSelector

	Dht DhtMode
	// Bencoded routing table snapshot, loaded on start and saved on close.
	DhtCachePath string
	// host:port seeds for an empty routing table.
	DhtBootstrapNodes []string

	DisableTrackers bool
	DisablePEX      bool
	// Re-request blocks already in flight elsewhere when nothing fresh is
	// delegatable.
	AggressiveDownload bool

	MaxPeersPerTorrent int
	MaxEstablishedConns int
	// File descriptor budget for the storage pool. Floor of 4 applies.
	MaxOpenFiles int
	// Outstanding block requests per peer connection.
	MaxOutstandingRequests int

	// Client-global caps, applied at the sockets. The engine-level fair
	// throttle sits below these.
	UploadRateLimiter   *rate.Limiter
	DownloadRateLimiter *rate.Limiter
	// Engine throttle rates in bytes/s shared fairly across peers. Zero is
	// unlimited.
	UploadThrottleRate   int64
	DownloadThrottleRate int64

	HandshakeTimeout   time.Duration
	MinDialTimeout     time.Duration
	NominalDialTimeout time.Duration

	Debug  bool
	Logger log.Logger
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Bep20:                          "-RO0001-",
		ExtendedHandshakeClientVersion: "rotor 0.1",
		CryptoSelector:                 mse.DefaultCryptoSelector,
		MaxPeersPerTorrent:             80,
		MaxEstablishedConns:            50,
		MaxOpenFiles:                   64,
		MaxOutstandingRequests:         64,
		UploadRateLimiter:              unlimited,
		DownloadRateLimiter:            unlimited,
		HandshakeTimeout:               60 * time.Second,
		MinDialTimeout:                 3 * time.Second,
		NominalDialTimeout:             20 * time.Second,
		Logger:                         log.Default,
	}
}
