package chatmail

import (
	"github.com/hkdb/chatmail/internal/event"
)

// Event is the tagged union delivered to the attached sink; see the
// internal/event package for the concrete kinds.
type Event = event.Event

// EventSink receives the events of one Context.
type EventSink = event.Sink

func msgsChangedEvent(chatID, msgID int64) Event {
	return event.MsgsChanged{ChatID: chatID, MsgID: msgID}
}

func incomingMsgEvent(chatID, msgID int64) Event {
	return event.IncomingMsg{ChatID: chatID, MsgID: msgID}
}

func contactsChangedEvent(contactID int64) Event {
	return event.ContactsChanged{ContactID: contactID}
}

func locationChangedEvent(contactID int64) Event {
	return event.LocationChanged{ContactID: contactID}
}

func chatModifiedEvent(chatID int64) Event {
	return event.ChatModified{ChatID: chatID}
}

// emit delivers one event to the sink.
func (c *Context) emit(ev Event) {
	c.events.Emit(ev)
}

// emitWarning logs and surfaces a non-fatal condition.
func (c *Context) emitWarning(text string) {
	c.log.Warn().Msg(text)
	c.emit(event.Warning{Text: text})
}

// emitError logs and surfaces a failure, recording it as last error so
// UIs can fetch it synchronously without racing the event stream.
func (c *Context) emitError(text string) {
	c.log.Error().Msg(text)
	c.errMu.Lock()
	c.lastError = text
	c.errMu.Unlock()
	c.emit(event.Error{Text: text})
}

// LastError returns the text of the most recent error event, or "".
func (c *Context) LastError() string {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.lastError
}
