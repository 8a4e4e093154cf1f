package chatmail

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hkdb/chatmail/internal/event"
	"github.com/hkdb/chatmail/internal/imap"
	"github.com/hkdb/chatmail/internal/job"
	"github.com/hkdb/chatmail/internal/smtp"
)

// jobAction aliases keep the queue actions readable at the call sites.
const (
	jobActionSendMsgToSmtp     = job.ActionSendMsgToSmtp
	jobActionDeleteMsgOnImap   = job.ActionDeleteMsgOnImap
	jobActionMarkseenMsgOnImap = job.ActionMarkseenMsgOnImap
	jobActionMoveMsg           = job.ActionMoveMsg
)

// smtpIdleTimeout bounds the SMTP worker's idle period; due jobs wake
// it earlier via interrupt or the queue's own schedule.
const smtpIdleTimeout = 10 * time.Minute

// reconnectDelay spaces connection attempts of a failing worker.
const reconnectDelay = 30 * time.Second

// Scheduler owns the four cooperating worker loops: inbox, move-box,
// sent-box and smtp, plus the location loop.
type Scheduler struct {
	ctx *Context

	stop             chan struct{}
	cancelCheckpoint context.CancelFunc
	wg               sync.WaitGroup

	inboxInterrupt    chan struct{}
	mvboxInterrupt    chan struct{}
	sentboxInterrupt  chan struct{}
	smtpInterrupt     chan struct{}
	locationInterrupt chan struct{}
}

// startScheduler spawns all workers for the context.
func startScheduler(c *Context) *Scheduler {
	s := &Scheduler{
		ctx:               c,
		stop:              make(chan struct{}),
		inboxInterrupt:    make(chan struct{}, 1),
		mvboxInterrupt:    make(chan struct{}, 1),
		sentboxInterrupt:  make(chan struct{}, 1),
		smtpInterrupt:     make(chan struct{}, 1),
		locationInterrupt: make(chan struct{}, 1),
	}

	folderWorkers := []struct {
		name      string
		configKey string
		fallback  string
		interrupt chan struct{}
		withJobs  bool
	}{
		{"inbox", ConfigInboxFolder, "INBOX", s.inboxInterrupt, true},
		{"mvbox", ConfigMvboxFolder, "", s.mvboxInterrupt, false},
		{"sentbox", ConfigSentboxFolder, "", s.sentboxInterrupt, false},
	}
	for _, w := range folderWorkers {
		folder, _ := c.GetConfig(w.configKey)
		if folder == "" {
			folder = w.fallback
		}
		s.wg.Add(1)
		go s.folderWorker(w.name, folder, w.interrupt, w.withJobs)
	}

	s.wg.Add(1)
	go s.smtpWorker()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.locationLoop(s.stop, s.locationInterrupt)
	}()

	checkpointCtx, cancel := context.WithCancel(context.Background())
	s.cancelCheckpoint = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.db.StartCheckpointRoutine(checkpointCtx)
	}()

	return s
}

// Stop flips the run flag, fires all interrupts and joins the workers.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.cancelCheckpoint()
	s.interruptInbox()
	s.interruptMvbox()
	s.interruptSentbox()
	s.interruptSmtp()
	s.interruptLocation()
	s.wg.Wait()
}

func fire(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interruptInbox()    { fire(s.inboxInterrupt) }
func (s *Scheduler) interruptMvbox()    { fire(s.mvboxInterrupt) }
func (s *Scheduler) interruptSentbox()  { fire(s.sentboxInterrupt) }
func (s *Scheduler) interruptSmtp()     { fire(s.smtpInterrupt) }
func (s *Scheduler) interruptLocation() { fire(s.locationInterrupt) }

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// sleep waits for the duration, an interrupt, or shutdown.
func (s *Scheduler) sleep(d time.Duration, interrupt <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stop:
	case <-interrupt:
	case <-timer.C:
	}
}

// folderWorker is the loop of one IMAP folder: do jobs, fetch new
// messages, then idle until push, interrupt or timeout.
func (s *Scheduler) folderWorker(name, folder string, interrupt chan struct{}, withJobs bool) {
	defer s.wg.Done()

	c := s.ctx
	log := c.log.With().Str("worker", name).Logger()

	// Workers without a configured folder only serve interrupts.
	if folder == "" {
		log.Debug().Msg("no folder configured, worker parked")
		for !s.stopped() {
			s.sleep(imap.IdleTimeout, interrupt)
		}
		return
	}

	var client *imap.Client
	defer func() {
		if client != nil {
			client.Close()
		}
	}()

	networkFailed := false
	for !s.stopped() {
		if client == nil || !client.Connected() {
			cfg, err := c.imapConfig()
			if err != nil {
				log.Warn().Err(err).Msg("IMAP not configured")
				s.sleep(reconnectDelay, interrupt)
				continue
			}
			client = imap.NewClient(cfg)
			if err := client.Connect(); err != nil {
				if strings.Contains(err.Error(), "authentication failed") {
					c.notifyWrongPassword(err)
				} else {
					c.emit(event.ErrorNetwork{First: !networkFailed, Text: err.Error()})
				}
				networkFailed = true
				client = nil
				s.sleep(reconnectDelay, interrupt)
				continue
			}
			networkFailed = false
			c.emit(event.ImapConnected{})
		}

		if _, err := client.Select(folder); err != nil {
			log.Warn().Err(err).Msg("failed to select folder")
			client.Close()
			client = nil
			continue
		}

		if withJobs {
			c.performJobs(job.ChannelImap, client, nil)
		}

		if err := s.fetchFolder(client, folder); err != nil {
			log.Warn().Err(err).Msg("fetch failed")
			client.Close()
			client = nil
			continue
		}

		if err := client.Idle(interrupt, imap.IdleTimeout); err != nil {
			log.Warn().Err(err).Msg("idle failed")
			client.Close()
			client = nil
		}
	}
}

func (s *Scheduler) fetchFolder(client *imap.Client, folder string) error {
	c := s.ctx
	lastUIDKey := "imap_last_uid_" + folder

	lastUIDStr, err := c.GetConfig(lastUIDKey)
	if err != nil {
		return err
	}
	lastUID, _ := strconv.ParseUint(lastUIDStr, 10, 32)
	if lastUID == 0 {
		c.recordFullFolderScan()
	}

	msgs, err := client.FetchSince(uint32(lastUID))
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := c.ReceiveIMF(m.Raw, m.Seen); err != nil {
			c.emitWarning(fmt.Sprintf("failed to process message uid %d: %v", m.UID, err))
		}
		if uint32(m.UID) > uint32(lastUID) {
			lastUID = uint64(m.UID)
		}
	}
	if len(msgs) > 0 {
		if err := c.SetConfig(lastUIDKey, strconv.FormatUint(lastUID, 10)); err != nil {
			return err
		}
	}
	return nil
}

// smtpWorker drains the SMTP side of the job queue.
func (s *Scheduler) smtpWorker() {
	defer s.wg.Done()

	c := s.ctx
	for !s.stopped() {
		c.performJobs(job.ChannelSmtp, nil, c.smtpClient())

		wait := smtpIdleTimeout
		if due, ok, err := c.jobs.NextRunIn(job.ChannelSmtp); err == nil && ok && due < wait {
			wait = due
		}
		if wait < time.Second {
			wait = time.Second
		}
		s.sleep(wait, s.smtpInterrupt)
	}
}

// imapConfig assembles the IMAP client configuration from the account
// settings.
func (c *Context) imapConfig() (imap.ClientConfig, error) {
	cfg := imap.DefaultConfig()
	var err error
	if cfg.Host, err = c.GetConfig(ConfigMailServer); err != nil || cfg.Host == "" {
		return cfg, fmt.Errorf("mail_server is not configured")
	}
	if port, _ := c.GetConfig(ConfigMailPort); port != "" {
		cfg.Port, _ = strconv.Atoi(port)
	}
	cfg.Username, _ = c.GetConfig(ConfigMailUser)
	if cfg.Username == "" {
		cfg.Username, _ = c.GetConfig(ConfigAddr)
	}
	cfg.Password, _ = c.GetConfig(ConfigMailPw)
	return cfg, nil
}

// smtpClient assembles the SMTP client from the account settings, or
// nil if submission is not configured.
func (c *Context) smtpClient() *smtp.Client {
	cfg := smtp.DefaultConfig()
	host, err := c.GetConfig(ConfigSendServer)
	if err != nil || host == "" {
		return nil
	}
	cfg.Host = host
	if port, _ := c.GetConfig(ConfigSendPort); port != "" {
		cfg.Port, _ = strconv.Atoi(port)
	}
	cfg.Username, _ = c.GetConfig(ConfigSendUser)
	if cfg.Username == "" {
		cfg.Username, _ = c.GetConfig(ConfigAddr)
	}
	cfg.Password, _ = c.GetConfig(ConfigSendPw)
	return smtp.NewClient(cfg)
}

// performJobs drains the due queue entries of one channel, in
// (earliest-attempt, id) order.
func (c *Context) performJobs(channel job.Channel, imapClient *imap.Client, smtpClient *smtp.Client) {
	for {
		j, err := c.jobs.LoadNext(channel)
		if err != nil {
			c.emitWarning(fmt.Sprintf("failed to load jobs: %v", err))
			return
		}
		if j == nil {
			return
		}

		result := c.performJob(j, imapClient, smtpClient)
		final, err := c.jobs.Finish(j, result)
		if err != nil {
			c.emitWarning(fmt.Sprintf("failed to finish job %d: %v", j.ID, err))
			return
		}
		if final == job.Fatal {
			c.handleFatalJob(j)
		}
		if result == job.Retry {
			// The entry is rescheduled into the future; stop draining.
			return
		}
	}
}

func (c *Context) performJob(j *job.Job, imapClient *imap.Client, smtpClient *smtp.Client) job.Result {
	switch j.Action {
	case jobActionSendMsgToSmtp:
		return c.performSendMsg(j, smtpClient)
	case jobActionMarkseenMsgOnImap:
		m, err := c.GetMessage(j.ForeignID)
		if err != nil {
			return job.Fatal
		}
		if imapClient == nil {
			return job.Retry
		}
		if err := imapClient.MarkSeen(m.Rfc724Mid); err != nil {
			return job.Retry
		}
		return job.Success
	case jobActionDeleteMsgOnImap:
		if imapClient == nil {
			return job.Retry
		}
		if err := imapClient.Delete(j.Param); err != nil {
			return job.Retry
		}
		return job.Success
	case jobActionMoveMsg:
		if imapClient == nil {
			return job.Retry
		}
		mvbox, _ := c.GetConfig(ConfigMvboxFolder)
		if mvbox == "" {
			return job.Success
		}
		if err := imapClient.Move(j.Param, mvbox); err != nil {
			return job.Retry
		}
		return job.Success
	default:
		c.emitWarning(fmt.Sprintf("unknown job action %d", j.Action))
		return job.Fatal
	}
}

func (c *Context) performSendMsg(j *job.Job, smtpClient *smtp.Client) job.Result {
	m, err := c.GetMessage(j.ForeignID)
	if err != nil {
		// The message was deleted before it could be sent.
		return job.Fatal
	}
	if smtpClient == nil {
		return job.Retry
	}

	rendered, err := c.renderMessage(m)
	if err != nil {
		c.emitError(fmt.Sprintf("failed to render message %d: %v", m.ID, err))
		return job.Fatal
	}
	if err := smtpClient.Send(rendered.From, rendered.Recipients, rendered.Raw); err != nil {
		c.emit(event.ErrorNetwork{First: true, Text: err.Error()})
		return job.Retry
	}

	c.updateMsgState(m.ID, StateOutDelivered)
	c.emit(event.SmtpMessageSent{MsgID: m.ID})
	c.emit(msgsChangedEvent(m.ChatID, m.ID))
	return job.Success
}

// handleFatalJob surfaces a permanently failed queue entry.
func (c *Context) handleFatalJob(j *job.Job) {
	if j.Action == jobActionSendMsgToSmtp {
		c.updateMsgState(j.ForeignID, StateOutFailed)
		if m, err := c.GetMessage(j.ForeignID); err == nil {
			c.emit(msgsChangedEvent(m.ChatID, m.ID))
		}
	}
	c.emitError(fmt.Sprintf("job %d (action %d) failed permanently", j.ID, j.Action))
}
