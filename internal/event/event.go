// Package event defines the typed events the core emits to attached sinks
package event

// Event is the interface implemented by all core events.
// Each Context has a single emission channel; sinks switch on the
// concrete type.
type Event interface {
	eventType() string
}

// MsgsChanged signals that messages in a chat changed in any way.
type MsgsChanged struct {
	ChatID int64
	MsgID  int64
}

// IncomingMsg signals a freshly received message.
type IncomingMsg struct {
	ChatID int64
	MsgID  int64
}

// ContactsChanged signals that a contact was added or modified.
// ContactID is 0 when the whole list changed.
type ContactsChanged struct {
	ContactID int64
}

// LocationChanged signals new location data.
// ContactID is 0 when locations of several contacts changed.
type LocationChanged struct {
	ContactID int64
}

// ChatModified signals that chat metadata changed.
type ChatModified struct {
	ChatID int64
}

// ConfigureProgress reports account configuration progress in 0..1000.
type ConfigureProgress struct {
	Progress int
}

// ImexProgress reports import/export progress in 0..1000.
type ImexProgress struct {
	Progress int
}

// ImexFileWritten signals that an import/export file was written.
type ImexFileWritten struct {
	Path string
}

// SecurejoinInviterProgress reports inviter-side handshake progress.
// 0 means error, 1..999 progress, 1000 success.
type SecurejoinInviterProgress struct {
	ContactID int64
	Progress  int
}

// SecurejoinJoinerProgress reports joiner-side handshake progress.
type SecurejoinJoinerProgress struct {
	ContactID int64
	Progress  int
}

// Warning carries a non-fatal diagnostic.
type Warning struct {
	Text string
}

// Error carries a user-visible failure.
type Error struct {
	Text string
}

// ErrorNetwork carries a network failure; First is set on the first
// failure after a period of working connectivity.
type ErrorNetwork struct {
	First bool
	Text  string
}

// SmtpConnected signals a successful SMTP connection.
type SmtpConnected struct{}

// ImapConnected signals a successful IMAP connection.
type ImapConnected struct{}

// SmtpMessageSent signals that a message left via SMTP.
type SmtpMessageSent struct {
	MsgID int64
}

// IsOffline signals that the network is unreachable.
type IsOffline struct{}

func (MsgsChanged) eventType() string               { return "MsgsChanged" }
func (IncomingMsg) eventType() string               { return "IncomingMsg" }
func (ContactsChanged) eventType() string           { return "ContactsChanged" }
func (LocationChanged) eventType() string           { return "LocationChanged" }
func (ChatModified) eventType() string              { return "ChatModified" }
func (ConfigureProgress) eventType() string         { return "ConfigureProgress" }
func (ImexProgress) eventType() string              { return "ImexProgress" }
func (ImexFileWritten) eventType() string           { return "ImexFileWritten" }
func (SecurejoinInviterProgress) eventType() string { return "SecurejoinInviterProgress" }
func (SecurejoinJoinerProgress) eventType() string  { return "SecurejoinJoinerProgress" }
func (Warning) eventType() string                   { return "Warning" }
func (Error) eventType() string                     { return "Error" }
func (ErrorNetwork) eventType() string              { return "ErrorNetwork" }
func (SmtpConnected) eventType() string             { return "SmtpConnected" }
func (ImapConnected) eventType() string             { return "ImapConnected" }
func (SmtpMessageSent) eventType() string           { return "SmtpMessageSent" }
func (IsOffline) eventType() string                 { return "IsOffline" }

// Sink receives events emitted by a Context.
type Sink func(Event)

// Emitter fans events out to an optional sink. The zero value drops
// everything.
type Emitter struct {
	sink Sink
}

// NewEmitter creates an emitter delivering to the given sink.
// A nil sink is allowed and discards all events.
func NewEmitter(sink Sink) *Emitter {
	return &Emitter{sink: sink}
}

// Emit delivers one event to the sink, if any.
func (e *Emitter) Emit(ev Event) {
	if e == nil || e.sink == nil {
		return
	}
	e.sink(ev)
}
