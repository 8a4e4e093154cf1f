// Package chatmail implements the core engine of a chat-over-email
// client: it turns a standard IMAP/SMTP account into an end-to-end
// encrypted instant-messaging service.
package chatmail

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hkdb/chatmail/internal/database"
	"github.com/hkdb/chatmail/internal/event"
	"github.com/hkdb/chatmail/internal/job"
	"github.com/hkdb/chatmail/internal/location"
	"github.com/hkdb/chatmail/internal/logging"
	"github.com/hkdb/chatmail/internal/peerstate"
	"github.com/hkdb/chatmail/internal/ratelimit"
	"github.com/hkdb/chatmail/internal/token"
)

// Version of the core library.
const Version = "0.3.0"

// Config keys understood by GetConfig/SetConfig.
const (
	ConfigAddr          = "addr"
	ConfigDisplayname   = "displayname"
	ConfigMailServer    = "mail_server"
	ConfigMailPort      = "mail_port"
	ConfigMailUser      = "mail_user"
	ConfigMailPw        = "mail_pw"
	ConfigSendServer    = "send_server"
	ConfigSendPort      = "send_port"
	ConfigSendUser      = "send_user"
	ConfigSendPw        = "send_pw"
	ConfigE2eeEnabled   = "e2ee_enabled"
	ConfigInboxFolder   = "configured_inbox_folder"
	ConfigMvboxFolder   = "configured_mvbox_folder"
	ConfigSentboxFolder = "configured_sentbox_folder"
)

// runningState tracks the singleton ongoing operation of a Context.
type runningState int

const (
	// runningStopped means no ongoing operation exists; a new one can
	// be allocated.
	runningStopped runningState = iota

	// runningActive means an ongoing operation is allocated.
	runningActive

	// runningShallStop means the cancel signal fired and the operation
	// has not yet been freed.
	runningShallStop
)

// QuotaInfo is a recently loaded server quota snapshot.
type QuotaInfo struct {
	UsedBytes  int64
	TotalBytes int64
	Modified   time.Time
}

// Context owns all state of one account. Multiple Contexts may coexist
// in one process, each identified by ID.
type Context struct {
	// ID distinguishes this context within the process.
	ID uint32

	dbfile  string
	blobdir string
	db      *database.DB

	events *event.Emitter
	log    zerolog.Logger

	peerstates *peerstate.Store
	tokens     *token.Store
	jobs       *job.Queue
	locations  *location.Store

	ratelimit   *ratelimit.Bucket
	ratelimitMu sync.Mutex

	runningMu     sync.Mutex
	running       runningState
	cancelOngoing chan struct{}

	schedulerMu sync.RWMutex
	scheduler   *Scheduler

	smearMu              sync.Mutex
	lastSmearedTimestamp int64

	stockMu      sync.RWMutex
	stockStrings map[StockID]string

	errMu     sync.RWMutex
	lastError string

	quotaMu sync.RWMutex
	quota   *QuotaInfo

	scanMu             sync.Mutex
	lastFullFolderScan time.Time

	// Serialize operations that must not overlap.
	generatingKeyMu  sync.Mutex
	oauth2Mu         sync.Mutex
	wrongPwWarningMu sync.Mutex

	creationTime time.Time
}

// New creates a context and opens the database with an empty
// passphrase. Use NewClosed plus Open for passphrase-protected
// databases.
func New(dbfile string, id uint32, sink EventSink) (*Context, error) {
	c, err := NewClosed(dbfile, id, sink)
	if err != nil {
		return nil, err
	}
	if ok, err := c.Open(""); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("database %s requires a passphrase", dbfile)
	}
	return c, nil
}

// NewClosed creates a context without opening the database.
// The blob directory <dbfile>-blobs is created if missing.
func NewClosed(dbfile string, id uint32, sink EventSink) (*Context, error) {
	blobdir := BlobdirPath(dbfile)
	if err := os.MkdirAll(blobdir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blobdir: %w", err)
	}

	c := &Context{
		ID:      id,
		dbfile:  dbfile,
		blobdir: blobdir,
		events:  event.NewEmitter(sink),
		log:     logging.WithComponent("context").With().Uint32("context", id).Logger(),

		// Allow to send 3 messages immediately, no more than one every
		// 20 seconds afterwards.
		ratelimit: ratelimit.New(60*time.Second, 3.0),

		stockStrings: make(map[StockID]string),
		creationTime: time.Now(),
	}
	return c, nil
}

// Open opens the database with the given passphrase. Returns false if
// the passphrase is wrong.
func (c *Context) Open(passphrase string) (bool, error) {
	if c.db != nil {
		return true, nil
	}
	db, err := database.Open(c.dbfile)
	if err != nil {
		return false, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return false, err
	}
	ok, err := db.CheckPassphrase(passphrase)
	if err != nil || !ok {
		db.Close()
		return false, err
	}

	c.db = db
	c.peerstates = peerstate.NewStore(db)
	c.tokens = token.NewStore(db)
	c.jobs = job.NewQueue(db)
	c.locations = location.NewStore(db)
	return true, nil
}

// IsOpen reports whether the database is open.
func (c *Context) IsOpen() bool {
	return c.db != nil
}

// Close stops IO and closes the database.
func (c *Context) Close() error {
	c.StopIO()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// BlobdirPath derives the attachment directory for a database file.
func BlobdirPath(dbfile string) string {
	return dbfile + "-blobs"
}

// WalPath derives the write-ahead log file for a database file.
func WalPath(dbfile string) string {
	return dbfile + "-wal"
}

// Blobdir returns the attachment directory of the context.
func (c *Context) Blobdir() string {
	return c.blobdir
}

// GetConfig reads a configuration value; "" if unset.
func (c *Context) GetConfig(key string) (string, error) {
	if c.db == nil {
		return "", fmt.Errorf("database is not open")
	}
	return c.db.GetConfig(key)
}

// SetConfig writes a configuration value.
func (c *Context) SetConfig(key, value string) error {
	if c.db == nil {
		return fmt.Errorf("database is not open")
	}
	return c.db.SetConfig(key, value)
}

// IsConfigured reports whether the account has a configured address.
func (c *Context) IsConfigured() bool {
	addr, err := c.GetConfig(ConfigAddr)
	return err == nil && addr != ""
}

// SelfAddr returns the configured account address.
func (c *Context) SelfAddr() (string, error) {
	addr, err := c.GetConfig(ConfigAddr)
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", fmt.Errorf("account is not configured")
	}
	return addr, nil
}

// StartIO starts the IO scheduler. Starting twice without an
// intervening StopIO has no effect.
func (c *Context) StartIO() {
	if !c.IsConfigured() {
		c.emitWarning("cannot start IO on a context that is not configured")
		return
	}

	c.schedulerMu.Lock()
	defer c.schedulerMu.Unlock()
	if c.scheduler != nil {
		return
	}
	c.log.Info().Msg("starting IO")
	c.scheduler = startScheduler(c)
}

// StopIO stops the IO scheduler and joins all workers before
// returning.
func (c *Context) StopIO() {
	c.schedulerMu.Lock()
	scheduler := c.scheduler
	c.scheduler = nil
	c.schedulerMu.Unlock()

	if scheduler != nil {
		c.log.Info().Msg("stopping IO")
		scheduler.Stop()
	}
}

// IsIORunning reports whether the scheduler is active.
func (c *Context) IsIORunning() bool {
	c.schedulerMu.RLock()
	defer c.schedulerMu.RUnlock()
	return c.scheduler != nil
}

func (c *Context) withScheduler(f func(*Scheduler)) {
	c.schedulerMu.RLock()
	defer c.schedulerMu.RUnlock()
	if c.scheduler != nil {
		f(c.scheduler)
	}
}

// InterruptInbox wakes the inbox worker from idle.
func (c *Context) InterruptInbox() {
	c.withScheduler(func(s *Scheduler) { s.interruptInbox() })
}

// InterruptSmtp wakes the SMTP worker from idle.
func (c *Context) InterruptSmtp() {
	c.withScheduler(func(s *Scheduler) { s.interruptSmtp() })
}

// InterruptLocation wakes the location loop.
func (c *Context) InterruptLocation() {
	c.withScheduler(func(s *Scheduler) { s.interruptLocation() })
}

// AllocOngoing allocates the singleton ongoing-operation token.
// The returned channel fires once when StopOngoing is called. Fails if
// another ongoing operation is live.
func (c *Context) AllocOngoing() (<-chan struct{}, error) {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	if c.running != runningStopped {
		return nil, fmt.Errorf("there is already another ongoing process running")
	}
	c.cancelOngoing = make(chan struct{})
	c.running = runningActive
	return c.cancelOngoing, nil
}

// FreeOngoing releases the ongoing-operation token.
func (c *Context) FreeOngoing() {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	c.running = runningStopped
	c.cancelOngoing = nil
}

// StopOngoing signals the ongoing operation to stop as soon as
// possible. The signal is single-shot; the state remains ShallStop
// until FreeOngoing resets it.
func (c *Context) StopOngoing() {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	switch c.running {
	case runningActive:
		close(c.cancelOngoing)
		c.running = runningShallStop
		c.log.Info().Msg("signaling the ongoing process to stop ASAP")
	default:
		c.log.Info().Msg("no ongoing process to stop")
	}
}

// ShallStopOngoing is polled by long-running operations at network
// boundaries and before large batch commits.
func (c *Context) ShallStopOngoing() bool {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	return c.running != runningActive
}

// WithOauth2Lock serializes an OAuth2 token exchange. The wire flow
// itself lives in the transport layer; refreshing the same token twice
// in parallel invalidates both.
func (c *Context) WithOauth2Lock(f func() error) error {
	c.oauth2Mu.Lock()
	defer c.oauth2Mu.Unlock()
	return f()
}

// notifyWrongPassword surfaces a failed login exactly once at a time;
// the mutex keeps racing workers from emitting a flood of warnings.
func (c *Context) notifyWrongPassword(err error) {
	c.wrongPwWarningMu.Lock()
	defer c.wrongPwWarningMu.Unlock()
	c.emitError(fmt.Sprintf("cannot login: %v", err))
}

// recordFullFolderScan remembers when a folder was last scanned from
// scratch.
func (c *Context) recordFullFolderScan() {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	c.lastFullFolderScan = time.Now()
}

// LastFullFolderScan returns the time of the last full folder scan, or
// the zero time.
func (c *Context) LastFullFolderScan() time.Time {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	return c.lastFullFolderScan
}

// SetQuota stores a freshly loaded server quota snapshot.
func (c *Context) SetQuota(q *QuotaInfo) {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	c.quota = q
}

// Quota returns the most recent quota snapshot, or nil if quota was
// never loaded.
func (c *Context) Quota() *QuotaInfo {
	c.quotaMu.RLock()
	defer c.quotaMu.RUnlock()
	return c.quota
}

// GetInfo returns diagnostic key/value pairs about the context.
func (c *Context) GetInfo() (map[string]string, error) {
	info := map[string]string{
		"chatmail_core_version": "v" + Version,
		"arch":                  fmt.Sprintf("%d", 32<<(^uint(0)>>63)),
		"num_cpus":              fmt.Sprintf("%d", runtime.NumCPU()),
		"database_dir":          filepath.Dir(c.dbfile),
		"blobdir":               c.blobdir,
		"uptime":                time.Since(c.creationTime).Round(time.Second).String(),
	}
	if c.db == nil {
		info["database_open"] = "0"
		return info, nil
	}
	info["database_open"] = "1"

	for label, query := range map[string]string{
		"chats_count":    "SELECT COUNT(*) FROM chats",
		"msgs_count":     "SELECT COUNT(*) FROM msgs",
		"contacts_count": "SELECT COUNT(*) FROM contacts",
		"jobs_pending":   "SELECT COUNT(*) FROM jobs",
	} {
		var n int64
		if err := c.db.QueryRow(query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count for %s: %w", label, err)
		}
		info[label] = fmt.Sprintf("%d", n)
	}

	if addr, err := c.GetConfig(ConfigAddr); err == nil && addr != "" {
		info["addr"] = addr
	}
	return info, nil
}
