package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID string            `json:"chain_id"`
	Alloc   map[string]uint64 `json:"alloc"` // pubkey hex → initial balance
}

// Config holds all node configuration.
type Config struct {
	NodeID      string        `json:"node_id"`
	DataDir     string        `json:"data_dir"`
	RPCPort     int           `json:"rpc_port"`
	P2PPort     int           `json:"p2p_port"`
	MaxBlockTxs int           `json:"max_block_txs"` // max transactions per block; 0 → 500
	Validators   []string      `json:"validators"`              // authorised proposer pubkey hexes
	Genesis      GenesisConfig `json:"genesis"`
	SeedPeers    []SeedPeer    `json:"seed_peers,omitempty"`     // initial peers to connect to
	TLS          *TLSConfig    `json:"tls,omitempty"`           // nil → plain TCP
	RPCAuthToken string        `json:"rpc_auth_token,omitempty"` // empty → no auth

	// BFT finality core (bft.Config).
	ActiveDelegates  int64 `json:"active_delegates"`   // number of delegates in the active round
	FinalizedHeight  int64 `json:"finalized_height"`   // initial finalized height on a fresh chain

	// P2P peer address book and pool.
	Secret                         string        `json:"secret"` // hex-encoded 32-byte bucket-hash key
	MaxOutboundConnections         int           `json:"max_outbound_connections"`
	MaxInboundConnections          int           `json:"max_inbound_connections"`
	PeerBanTime                    time.Duration `json:"peer_ban_time"`
	PopulatorInterval              time.Duration `json:"populator_interval"`
	OutboundShuffleInterval        time.Duration `json:"outbound_shuffle_interval"`
	WSMaxPayload                   int           `json:"ws_max_payload"`
	WSMaxMessageRate               float64       `json:"ws_max_message_rate"`
	WSMaxMessageRatePenalty        int           `json:"ws_max_message_rate_penalty"`
	RateCalculationInterval        time.Duration `json:"rate_calculation_interval"`
	NetgroupProtectionRatio        float64       `json:"netgroup_protection_ratio"`
	LatencyProtectionRatio         float64       `json:"latency_protection_ratio"`
	ProductivityProtectionRatio    float64       `json:"productivity_protection_ratio"`
	LongevityProtectionRatio       float64       `json:"longevity_protection_ratio"`
	SendPeerLimit                  int           `json:"send_peer_limit"`
	MaxPeerDiscoveryResponseLength int           `json:"max_peer_discovery_response_length"`
	MaxPeerInfoSize                int           `json:"max_peer_info_size"`
	MinimumPeerDiscoveryThreshold  int           `json:"minimum_peer_discovery_threshold"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "node0",
		DataDir:     "./data",
		RPCPort:     8545,
		P2PPort:     30303,
		MaxBlockTxs: 500,
		Genesis: GenesisConfig{
			ChainID: "tolchain-dev",
			Alloc:   map[string]uint64{},
		},

		ActiveDelegates: 101,
		FinalizedHeight: 0,

		MaxOutboundConnections:         20,
		MaxInboundConnections:          100,
		PeerBanTime:                    24 * time.Hour,
		PopulatorInterval:              10 * time.Second,
		OutboundShuffleInterval:        2 * time.Minute,
		WSMaxPayload:                   1024 * 1024,
		WSMaxMessageRate:               100,
		WSMaxMessageRatePenalty:        10,
		RateCalculationInterval:        time.Second,
		NetgroupProtectionRatio:        0.05,
		LatencyProtectionRatio:         0.05,
		ProductivityProtectionRatio:    0.05,
		LongevityProtectionRatio:       0.05,
		SendPeerLimit:                  25,
		MaxPeerDiscoveryResponseLength: 1000,
		MaxPeerInfoSize:                20 * 1024,
		MinimumPeerDiscoveryThreshold:  100,
	}
}

// secretByteLen is the length of the generated bucket secret; bucket.go's
// siphash-based hasher keys itself with the first 16 of these bytes.
const secretByteLen = 32

// ensureSecret generates a fresh hex-encoded secret if none is configured
// yet, so a first run doesn't need an operator-supplied key.
func (c *Config) ensureSecret() error {
	if c.Secret != "" {
		return nil
	}
	buf := make([]byte, secretByteLen)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate bucket secret: %w", err)
	}
	c.Secret = hex.EncodeToString(buf)
	return nil
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	regenerated := cfg.Secret == ""
	if err := cfg.ensureSecret(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	if regenerated {
		if err := Save(cfg, path); err != nil {
			return nil, fmt.Errorf("persist generated secret: %w", err)
		}
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.Validators) == 0 {
		return fmt.Errorf("validators list must not be empty")
	}
	for i, v := range c.Validators {
		b, err := hex.DecodeString(v)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("validators[%d]: must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, v)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}

	if c.ActiveDelegates <= 0 {
		return fmt.Errorf("active_delegates must be positive, got %d", c.ActiveDelegates)
	}
	if c.FinalizedHeight < 0 {
		return fmt.Errorf("finalized_height must be >= 0, got %d", c.FinalizedHeight)
	}
	if b, err := hex.DecodeString(c.Secret); err != nil || len(b) != secretByteLen {
		return fmt.Errorf("secret must be %d-byte hex, got %q", secretByteLen, c.Secret)
	}
	if c.MaxOutboundConnections <= 0 {
		return fmt.Errorf("max_outbound_connections must be positive, got %d", c.MaxOutboundConnections)
	}
	if c.MaxInboundConnections <= 0 {
		return fmt.Errorf("max_inbound_connections must be positive, got %d", c.MaxInboundConnections)
	}
	for name, r := range map[string]float64{
		"netgroup_protection_ratio":     c.NetgroupProtectionRatio,
		"latency_protection_ratio":      c.LatencyProtectionRatio,
		"productivity_protection_ratio": c.ProductivityProtectionRatio,
		"longevity_protection_ratio":    c.LongevityProtectionRatio,
	} {
		if r < 0 || r > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, r)
		}
	}
	if c.WSMaxPayload <= 0 {
		return fmt.Errorf("ws_max_payload must be positive, got %d", c.WSMaxPayload)
	}
	if c.MaxPeerInfoSize <= 0 || c.MaxPeerInfoSize > c.WSMaxPayload {
		return fmt.Errorf("max_peer_info_size must be positive and <= ws_max_payload, got %d", c.MaxPeerInfoSize)
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
