// Package smtp provides the SMTP submission client the send worker runs on
package smtp

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/hkdb/chatmail/internal/logging"
)

// SecurityType represents the connection security method
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// ClientConfig holds the configuration for connecting to an SMTP server
type ClientConfig struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	ConnectTimeout time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig returns a ClientConfig with sensible defaults
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Port:           465,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
	}
}

// Client wraps the go-smtp client for message submission
type Client struct {
	config ClientConfig
	log    zerolog.Logger
}

// NewClient creates a new SMTP client
func NewClient(config ClientConfig) *Client {
	return &Client{
		config: config,
		log:    logging.WithComponent("smtp"),
	}
}

// Send submits one RFC 822 message. A fresh connection is used per
// submission; the job queue provides retry on transient failures.
func (c *Client) Send(from string, recipients []string, raw []byte) error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	tlsConfig := c.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: c.config.Host}
	}

	var client *smtp.Client
	var err error
	switch c.config.Security {
	case SecurityStartTLS:
		client, err = smtp.DialStartTLS(addr, tlsConfig)
	case SecurityNone:
		client, err = smtp.Dial(addr)
	default:
		client, err = smtp.DialTLS(addr, tlsConfig)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	if c.config.Username != "" {
		saslClient := sasl.NewPlainClient("", c.config.Username, c.config.Password)
		if err := client.Auth(saslClient); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.SendMail(from, recipients, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	c.log.Debug().Str("from", from).Int("recipients", len(recipients)).Msg("Message submitted")
	return client.Quit()
}
