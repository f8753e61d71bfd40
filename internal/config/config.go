package config

import (
	"fmt"
	"time"
)

// Config holds all call-engine configuration.
type Config struct {
	// SignalingURL is the websocket endpoint of the relay server,
	// e.g. "wss://signal.servibook.app/ws".
	SignalingURL string

	// STUNServers is the fixed set of public reflection servers used for
	// every connection attempt.
	STUNServers []string

	// TURNServers is the optional relay set. It is only added to the ICE
	// configuration after a TURN fallback decision; credentials come from
	// deployment configuration.
	TURNServers    []string
	TURNUsername   string
	TURNCredential string

	Timeouts TimeoutConfig
	Retry    RetryConfig

	// MonitorInterval is the polling period of the quality monitor.
	MonitorInterval time.Duration
}

type TimeoutConfig struct {
	// Connect bounds the websocket dial plus room join handshake.
	Connect time.Duration
	// InitiateAck bounds the wait for the call:initiate ack.
	InitiateAck time.Duration
	// ICEGather bounds the wait for ICE gathering before an offer is sent.
	// Expiry is not an error; the offer is sent with whatever has gathered.
	ICEGather time.Duration
}

type RetryConfig struct {
	// MaxAttempts is the per-category retry budget.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff schedule (base * 2^(n-1)).
	BaseDelay time.Duration
	// ReconnectCap limits the delay between connection rebuild attempts.
	ReconnectCap time.Duration
	// SocketMaxAttempts bounds websocket reconnection after a channel drop.
	SocketMaxAttempts int
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL: "wss://signal.servibook.app/ws",
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		},
		Timeouts: TimeoutConfig{
			Connect:     20 * time.Second,
			InitiateAck: 10 * time.Second,
			ICEGather:   5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			ReconnectCap:      5 * time.Second,
			SocketMaxAttempts: 5,
		},
		MonitorInterval: 10 * time.Second,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.SignalingURL == "" {
		return fmt.Errorf("signaling URL cannot be empty")
	}
	if len(c.STUNServers) == 0 {
		return fmt.Errorf("at least one STUN server is required")
	}
	if len(c.TURNServers) > 0 && c.TURNUsername == "" {
		return fmt.Errorf("TURN servers configured without credentials")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry budget must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	return nil
}
