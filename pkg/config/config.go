// Package config defines the relayer's configuration surface (spec.md §6)
// and loads it the way the teacher loads its own: command-line flags and
// an optional INI-style config file, via jessevdk/go-flags.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/cardinal-cryptography/most-relayer/pkg/digest"
)

const defaultConfigFilename = "relayer.conf"

// AzeroConfig covers Chain-A (Aleph Zero) connection and gas parameters.
type AzeroConfig struct {
	WSEndpoint      string `long:"azero.ws_endpoint" description:"Aleph Zero node WebSocket RPC endpoint" required:"true"`
	MostContract    string `long:"azero.most_contract" description:"SS58 address of the Most contract on Chain-A" required:"true"`
	AdvisoryContracts []string `long:"azero.advisory_contract" description:"SS58 address of an advisory contract (repeatable)"`
	RefTimeLimit    uint64 `long:"azero.ref_time_limit" description:"declared ref_time weight limit for contract calls" default:"10000000000"`
	ProofSizeLimit  uint64 `long:"azero.proof_size_limit" description:"declared proof_size weight limit for contract calls" default:"1000000"`
	PollInterval    time.Duration `long:"azero.poll_interval" description:"finality/halt/advisory poll interval" default:"1s"`
	DefaultSyncFrom uint64 `long:"azero.default_sync_from_block" description:"cursor seed when none is persisted"`
	OverrideCache   bool   `long:"azero.override_cache" description:"force-seed the cursor to default_sync_from_block-1 at startup"`
}

// EthConfig covers Chain-E (EVM) connection and gas parameters.
type EthConfig struct {
	RPCEndpoint         string        `long:"eth.rpc_endpoint" description:"Ethereum-compatible JSON-RPC endpoint" required:"true"`
	MostContract        string        `long:"eth.most_contract" description:"0x address of the Most contract on Chain-E" required:"true"`
	ChainID             uint64        `long:"eth.chain_id" description:"EIP-155 chain id" required:"true"`
	FinalityMode        string        `long:"eth.finality_mode" description:"\"finalized\" or \"l2\" (best-effort head as finalized)" default:"finalized"`
	GasLimit            uint64        `long:"eth.gas_limit" description:"gas limit for receiveRequest submissions" default:"300000"`
	TxMinConfirmations  uint64        `long:"eth.tx_min_confirmations" description:"confirmations to await before treating a submission as final" default:"12"`
	SubmissionRetries   int           `long:"eth.tx_submission_retries" description:"max resubmission attempts with a bumped gas price" default:"3"`
	GasEscalatorMultiplier float64    `long:"eth.gas_escalator_multiplier" description:"multiplier applied to the gas price on each resubmission" default:"1.125"`
	GasEscalatorPeriod  time.Duration `long:"eth.gas_escalator_period" description:"time between gas-price bumps while awaiting confirmation" default:"30s"`
	PollInterval        time.Duration `long:"eth.poll_interval" description:"finality/halt poll interval" default:"12s"`
	DefaultSyncFrom     uint64        `long:"eth.default_sync_from_block" description:"cursor seed when none is persisted"`
	OverrideCache       bool          `long:"eth.override_cache" description:"force-seed the cursor to default_sync_from_block-1 at startup"`
	RateLimit           float64       `long:"eth.rate_limit" description:"outbound RPC calls per second" default:"10"`
	Burst               int           `long:"eth.rate_limit_burst" description:"outbound RPC burst size" default:"8"`
}

// SignerConfig covers the remote signer connection, or dev-mode in-process
// signing when Dev is set (SPEC_FULL.md §4, supplemented feature).
type SignerConfig struct {
	Dev        bool   `long:"dev" description:"use an in-process dev-mode key instead of the remote signer"`
	DevSeedHex string `long:"dev_seed" description:"accepted but not read: the dev-mode signer always uses its fixed built-in keys"`
	CID        uint32 `long:"signer_cid" description:"vsock CID of the remote signer (mutually exclusive with signer_host)"`
	Port       uint32 `long:"signer_port" description:"vsock/TCP port of the remote signer" default:"7000"`
	Host       string `long:"signer_host" description:"TCP host of the remote signer, if not using vsock"`
}

// Config is the relayer's complete configuration surface (spec.md §6).
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"path to a relayer.conf file"`

	// Name identifies this relayer instance in the Cursor Store's key
	// space (spec.md §3: "{name}:{chain_key}").
	Name string `long:"name" description:"relayer identity, used as the cursor-store key prefix" required:"true"`

	SyncStep uint64 `long:"sync_step" description:"max block span of a single fetch_events call" default:"1000"`

	Azero AzeroConfig `group:"azero"`
	Eth   EthConfig   `group:"eth"`
	Signer SignerConfig `group:"signer"`

	// Blacklist is a list of hex-encoded 32-byte request digests the
	// handlers skip, logging a warning for each (spec.md §6).
	Blacklist []string `long:"blacklist" description:"hex-encoded request digest to skip (repeatable)"`

	SupervisorBackoff time.Duration `long:"supervisor_backoff" description:"sleep between a generation's exit and the next respawn" default:"2s"`

	CursorDSN string `long:"cursor_dsn" description:"cursor store backend: empty for bolt in the current directory, \"bolt:///path\", \"etcd://host:port[,host:port...]\", or a postgres DSN"`

	AdminListenAddr string `long:"admin_listen_addr" description:"address for the /metrics, /healthz, /status admin HTTP server" default:"127.0.0.1:9090"`
	AdminTLSCertPath string `long:"admin_tls_cert" description:"TLS certificate path for the admin server (optional)"`
	AdminTLSKeyPath  string `long:"admin_tls_key" description:"TLS key path for the admin server (optional)"`

	LogDir   string `long:"logdir" description:"directory for the rotating log file" default:"."`
	DebugLevel string `long:"debuglevel" description:"log level for all subsystems, or subsystem=level,subsystem=level,..." default:"info"`
}

// Load parses the configuration from the command line, falling back to
// defaultConfigFilename in the current directory if -C/--configfile is not
// given and that file exists, mirroring the teacher's own layered
// file-then-flags precedence (flags win).
func Load(args []string) (*Config, error) {
	preCfg := Config{}
	if _, err := flags.NewParser(&preCfg, flags.Default).ParseArgs(args); err != nil {
		return nil, err
	}

	configFile := preCfg.ConfigFile
	if configFile == "" {
		if _, err := os.Stat(defaultConfigFilename); err == nil {
			configFile = defaultConfigFilename
		}
	}

	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if configFile != "" {
		if err := flags.NewIniParser(parser).ParseFile(configFile); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
	}
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Signer.Dev && c.Signer.CID != 0 {
		return fmt.Errorf("signer_cid set while dev mode is enabled; pick one")
	}
	if c.Signer.CID != 0 && c.Signer.Host != "" {
		return fmt.Errorf("signer_cid and signer_host are mutually exclusive; pick one")
	}
	if !c.Signer.Dev && c.Signer.CID == 0 && c.Signer.Host == "" {
		return fmt.Errorf("one of dev, signer_cid, or signer_host must be set")
	}
	if c.Eth.FinalityMode != "finalized" && c.Eth.FinalityMode != "l2" {
		return fmt.Errorf("eth.finality_mode must be \"finalized\" or \"l2\", got %q", c.Eth.FinalityMode)
	}
	for _, h := range c.Blacklist {
		if _, err := ParseDigestHex(h); err != nil {
			return fmt.Errorf("blacklist entry %q: %w", h, err)
		}
	}
	return nil
}

// ParseDigestHex parses a 0x-prefixed or bare hex-encoded 32-byte digest.
func ParseDigestHex(s string) (digest.Digest, error) {
	var d digest.Digest
	s = strings.TrimPrefix(s, "0x")
	if len(s) != digest.Size*2 {
		return d, fmt.Errorf("expected %d hex chars, got %d", digest.Size*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid hex: %w", err)
	}
	copy(d[:], b)
	return d, nil
}

// ParsedBlacklist builds a digest.Digest slice from the configured hex
// strings. Validity was already checked by Load, so errors here are
// unexpected.
func (c *Config) ParsedBlacklist() ([]digest.Digest, error) {
	out := make([]digest.Digest, 0, len(c.Blacklist))
	for _, h := range c.Blacklist {
		d, err := ParseDigestHex(h)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// LogFilePath returns the path of the rotating log file under LogDir.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.LogDir, "relayer.log")
}
