// control/config.go
// Package control holds protocol configuration: timeouts, window
// constants, addressing, keying and persistence paths.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Config parameterizes one protocol instance. Zero fields are filled in
// by Normalize from the protocol defaults.
type Config struct {
	// BindAddr is this processor's identity, dotted quad.
	BindAddr string `toml:"bind_addr"`
	// McastAddr and Port locate the multicast group.
	McastAddr string `toml:"mcast_addr"`
	Port      int    `toml:"port"`

	// PrivateKey authenticates and encrypts every datagram. All ring
	// members share it.
	PrivateKey []byte `toml:"private_key"`

	// RingIDDir holds the persisted ring sequence files.
	RingIDDir string `toml:"ringid_dir"`

	// Timeouts, milliseconds.
	TokenTimeout               int `toml:"token_timeout"`
	TokenRetransmitsBeforeLoss int `toml:"token_retransmits_before_loss"`
	GatherJoinTimeout          int `toml:"gather_join_timeout"`
	GatherConsensusTimeout     int `toml:"gather_consensus_timeout"`
	MergeDetectTimeout         int `toml:"merge_detect_timeout"`
	DowncheckTimeout           int `toml:"downcheck_timeout"`

	// FailToRecvConst is the number of rotations the ring-wide aru may
	// stall on another processor before it is declared failed.
	FailToRecvConst int `toml:"fail_to_recv_const"`
	// SeqnoUnchangedConst is the number of idle rotations before the
	// representative holds the token.
	SeqnoUnchangedConst int `toml:"seqno_unchanged_const"`
	// MissingMcastWindow suppresses new originations when the ring-wide
	// aru trails the highest assigned sequence by more than this.
	MissingMcastWindow int `toml:"missing_mcast_window"`
	// MaxMessages caps new multicasts per token rotation.
	MaxMessages int `toml:"max_messages"`

	// QueueSize bounds the origin and retransmit FIFOs.
	QueueSize int `toml:"queue_size"`
	// Workers sizes the seal/send pool.
	Workers int `toml:"workers"`
}

// Default returns the protocol constants.
func Default() *Config {
	return &Config{
		Port:                       5405,
		RingIDDir:                  os.TempDir(),
		TokenTimeout:               200,
		TokenRetransmitsBeforeLoss: 4,
		GatherJoinTimeout:          100,
		GatherConsensusTimeout:     200,
		MergeDetectTimeout:         200,
		DowncheckTimeout:           1000,
		FailToRecvConst:            250,
		SeqnoUnchangedConst:        20,
		MissingMcastWindow:         128,
		MaxMessages:                30,
		QueueSize:                  2000,
		Workers:                    2,
	}
}

// Load parses a TOML configuration file and normalizes it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := &Config{}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills zero fields from Default.
func (c *Config) Normalize() {
	d := Default()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.RingIDDir == "" {
		c.RingIDDir = d.RingIDDir
	}
	if c.TokenTimeout == 0 {
		c.TokenTimeout = d.TokenTimeout
	}
	if c.TokenRetransmitsBeforeLoss == 0 {
		c.TokenRetransmitsBeforeLoss = d.TokenRetransmitsBeforeLoss
	}
	if c.GatherJoinTimeout == 0 {
		c.GatherJoinTimeout = d.GatherJoinTimeout
	}
	if c.GatherConsensusTimeout == 0 {
		c.GatherConsensusTimeout = d.GatherConsensusTimeout
	}
	if c.MergeDetectTimeout == 0 {
		c.MergeDetectTimeout = d.MergeDetectTimeout
	}
	if c.DowncheckTimeout == 0 {
		c.DowncheckTimeout = d.DowncheckTimeout
	}
	if c.FailToRecvConst == 0 {
		c.FailToRecvConst = d.FailToRecvConst
	}
	if c.SeqnoUnchangedConst == 0 {
		c.SeqnoUnchangedConst = d.SeqnoUnchangedConst
	}
	if c.MissingMcastWindow == 0 {
		c.MissingMcastWindow = d.MissingMcastWindow
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
}

// Token returns the token loss timeout.
func (c *Config) Token() time.Duration {
	return time.Duration(c.TokenTimeout) * time.Millisecond
}

// TokenRetransmit derives the retransmit period from the loss timeout
// and the retransmit budget.
func (c *Config) TokenRetransmit() time.Duration {
	ms := float64(c.TokenTimeout) / (float64(c.TokenRetransmitsBeforeLoss) + 0.2)
	return time.Duration(ms * float64(time.Millisecond))
}

// TokenHold is the resend period while the representative holds the token.
func (c *Config) TokenHold() time.Duration {
	return time.Duration(0.8 * float64(c.TokenRetransmit()))
}

// GatherJoin returns the join rebroadcast period.
func (c *Config) GatherJoin() time.Duration {
	return time.Duration(c.GatherJoinTimeout) * time.Millisecond
}

// GatherConsensus returns the consensus timeout.
func (c *Config) GatherConsensus() time.Duration {
	return time.Duration(c.GatherConsensusTimeout) * time.Millisecond
}

// MergeDetect returns the idle-ring heartbeat period.
func (c *Config) MergeDetect() time.Duration {
	return time.Duration(c.MergeDetectTimeout) * time.Millisecond
}

// Downcheck returns the interface recheck period.
func (c *Config) Downcheck() time.Duration {
	return time.Duration(c.DowncheckTimeout) * time.Millisecond
}
