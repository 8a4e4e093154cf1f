// Package imap provides the IMAP client the folder workers run on
package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/hkdb/chatmail/internal/logging"
)

// deadlineConn wraps a net.Conn to automatically set read/write deadlines
// before each operation. This prevents indefinite blocking on slow or dead
// connections that go-imap v2 doesn't handle with built-in timeouts.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// SecurityType represents the connection security method
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// ClientConfig holds the configuration for connecting to an IMAP server
type ClientConfig struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	// Timeouts
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig returns a ClientConfig with sensible defaults
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// Message is one fetched message handed to the inbound pipeline.
type Message struct {
	UID  imap.UID
	Raw  []byte
	Seen bool
}

// Client wraps the go-imap client with the operations the workers need
type Client struct {
	config   ClientConfig
	client   *imapclient.Client
	caps     imap.CapSet
	selected string
	updates  chan struct{}
	log      zerolog.Logger
}

// NewClient creates a new IMAP client but does not connect
func NewClient(config ClientConfig) *Client {
	return &Client{
		config:  config,
		updates: make(chan struct{}, 1),
		log:     logging.WithComponent("imap"),
	}
}

// Connect establishes a connection to the IMAP server and logs in
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(*imapclient.UnilateralDataMailbox) { c.notifyUpdate() },
			Expunge: func(uint32) { c.notifyUpdate() },
		},
	}

	var err error
	switch c.config.Security {
	case SecurityStartTLS:
		if c.config.TLSConfig != nil {
			options.TLSConfig = c.config.TLSConfig
		}
		c.client, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			return fmt.Errorf("failed to connect with STARTTLS: %w", err)
		}
	case SecurityNone:
		rawConn, dialErr := dialer.Dial("tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("failed to connect: %w", dialErr)
		}
		c.client = imapclient.New(&deadlineConn{
			Conn:         rawConn,
			readTimeout:  c.config.ReadTimeout,
			writeTimeout: c.config.WriteTimeout,
		}, options)
	default:
		tlsConfig := c.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: c.config.Host}
		}
		rawConn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if dialErr != nil {
			return fmt.Errorf("failed to connect with TLS: %w", dialErr)
		}
		c.client = imapclient.New(&deadlineConn{
			Conn:         rawConn,
			readTimeout:  c.config.ReadTimeout,
			writeTimeout: c.config.WriteTimeout,
		}, options)
	}

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return fmt.Errorf("failed to receive greeting: %w", err)
	}
	c.caps = c.client.Caps()

	if err := c.login(); err != nil {
		c.client.Close()
		return err
	}

	c.log.Info().Str("host", c.config.Host).Msg("Connected to IMAP server")
	return nil
}

// login authenticates with LOGIN, falling back to AUTHENTICATE PLAIN
// only when the server disables LOGIN. A failed AUTHENTICATE can corrupt
// the IMAP wire state and prevent a fallback LOGIN from working.
func (c *Client) login() error {
	if c.caps.Has(imap.CapLoginDisabled) {
		saslClient := sasl.NewPlainClient("", c.config.Username, c.config.Password)
		if err := c.client.Authenticate(saslClient); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return nil
	}
	if err := c.client.Login(c.config.Username, c.config.Password).Wait(); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	c.caps = c.client.Caps()
	return nil
}

// Close logs out and closes the connection
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Logout().Wait()
	err := c.client.Close()
	c.client = nil
	return err
}

// Connected reports whether a usable connection exists
func (c *Client) Connected() bool {
	return c.client != nil
}

// Select opens a folder. Selecting the already selected folder is a
// no-op.
func (c *Client) Select(folder string) (uint32, error) {
	if c.client == nil {
		return 0, fmt.Errorf("not connected")
	}
	if c.selected == folder {
		return 0, nil
	}
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("failed to select %s: %w", folder, err)
	}
	c.selected = folder
	return uint32(data.UIDNext), nil
}

// FetchSince fetches full bodies of all messages with UID > lastUID in
// the selected folder.
func (c *Client) FetchSince(lastUID uint32) ([]Message, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	seqSet := imap.UIDSetNum()
	seqSet.AddRange(imap.UID(lastUID+1), 0)

	searchData, err := c.client.UIDSearch(&imap.SearchCriteria{
		UID: []imap.UIDSet{seqSet},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to search new messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchSet := imap.UIDSetNum(uids...)
	bodySection := &imap.FetchItemBodySection{}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	msgs, err := c.client.Fetch(fetchSet, fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var result []Message
	for _, msg := range msgs {
		if msg.UID <= imap.UID(lastUID) {
			continue
		}
		m := Message{UID: msg.UID}
		for _, flag := range msg.Flags {
			if flag == imap.FlagSeen {
				m.Seen = true
			}
		}
		m.Raw = msg.FindBodySection(bodySection)
		if m.Raw == nil {
			c.log.Warn().Uint32("uid", uint32(msg.UID)).Msg("Fetched message without body")
			continue
		}
		result = append(result, m)
	}
	return result, nil
}

// searchMessageID finds the UID of a message by its Message-ID header.
func (c *Client) searchMessageID(messageID string) (imap.UID, error) {
	data, err := c.client.UIDSearch(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-ID", Value: "<" + messageID + ">"}},
	}, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("failed to search for %s: %w", messageID, err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return 0, nil
	}
	return uids[0], nil
}

// MarkSeen flags the message with the given Message-ID as seen.
func (c *Client) MarkSeen(messageID string) error {
	uid, err := c.searchMessageID(messageID)
	if err != nil {
		return err
	}
	if uid == 0 {
		return nil
	}
	storeCmd := c.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("failed to mark %s seen: %w", messageID, err)
	}
	return nil
}

// Delete removes the message with the given Message-ID from the
// selected folder.
func (c *Client) Delete(messageID string) error {
	uid, err := c.searchMessageID(messageID)
	if err != nil {
		return err
	}
	if uid == 0 {
		return nil
	}
	set := imap.UIDSetNum(uid)
	storeCmd := c.client.Store(set, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("failed to flag %s deleted: %w", messageID, err)
	}
	if err := c.client.Expunge().Close(); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

// Move transfers the message with the given Message-ID to the target
// folder.
func (c *Client) Move(messageID, folder string) error {
	uid, err := c.searchMessageID(messageID)
	if err != nil {
		return err
	}
	if uid == 0 {
		return nil
	}
	if _, err := c.client.Move(imap.UIDSetNum(uid), folder).Wait(); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", messageID, folder, err)
	}
	return nil
}
