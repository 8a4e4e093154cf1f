package chatmail

import (
	"fmt"
	"time"

	"github.com/hkdb/chatmail/internal/location"
)

// Location re-exports the stored location record.
type Location = location.Location

// locationLoopDefaultWait bounds the sleep of the location loop.
const locationLoopDefaultWait = 24 * time.Hour

// locationSendInterval is the minimum spacing between two streaming
// traces for the same chat.
const locationSendInterval = 60 * time.Second

// SendLocationsToChat enables location streaming in a chat for the
// given number of seconds, or disables it with seconds 0.
//
// An "enabled" system message is sent only if streaming was off; a
// "disabled" info notice is added only if it was on.
func (c *Context) SendLocationsToChat(chatID int64, seconds int64) error {
	if seconds < 0 {
		return fmt.Errorf("invalid streaming duration %d", seconds)
	}
	if chatID <= 0 {
		return fmt.Errorf("invalid chat id %d", chatID)
	}

	wasStreaming, err := c.locations.IsStreaming(chatID)
	if err != nil {
		return err
	}

	if err := c.locations.SetWindow(chatID, seconds); err != nil {
		return err
	}

	if seconds != 0 && !wasStreaming {
		msg := NewMessage(ViewtypeText)
		msg.Text = c.stockString(StockMsgLocationEnabled)
		msg.Params.SetCmd(SystemMessageLocationStreamingEnabled)
		if _, err := c.SendMsg(chatID, msg); err != nil {
			c.emitWarning(fmt.Sprintf("failed to send location-enabled message: %v", err))
		}
	} else if seconds == 0 && wasStreaming {
		if _, err := c.AddInfoMsg(chatID, c.stockString(StockMsgLocationDisabled), time.Now().Unix()); err != nil {
			return err
		}
	}

	c.emit(chatModifiedEvent(chatID))
	if seconds != 0 {
		c.InterruptLocation()
	}
	return nil
}

// IsSendingLocationsToChat reports whether the chat is streaming.
// chatID 0 asks whether any chat is streaming.
func (c *Context) IsSendingLocationsToChat(chatID int64) (bool, error) {
	return c.locations.IsStreaming(chatID)
}

// SetLocation records the current position for all streaming chats.
// The exact origin (0, 0) is ignored and reported as true. Otherwise
// returns true while at least one chat accepted the sample, signaling
// the caller to keep sampling.
func (c *Context) SetLocation(latitude, longitude, accuracy float64) (bool, error) {
	if latitude == 0.0 && longitude == 0.0 {
		return true, nil
	}

	chats, err := c.locations.LiveChats()
	if err != nil {
		return false, err
	}

	continueStreaming := false
	now := time.Now().Unix()
	for _, chatID := range chats {
		if err := c.locations.Insert(chatID, ContactIDSelf, latitude, longitude, accuracy, now); err != nil {
			c.emitWarning(fmt.Sprintf("failed to store location: %v", err))
			continue
		}
		continueStreaming = true
	}
	if continueStreaming {
		c.emit(locationChangedEvent(ContactIDSelf))
	}
	return continueStreaming, nil
}

// GetLocations returns recorded locations filtered by chat and/or
// contact within the time range; timestampTo 0 means now.
func (c *Context) GetLocations(chatID, contactID, timestampFrom, timestampTo int64) ([]Location, error) {
	return c.locations.Range(chatID, contactID, timestampFrom, timestampTo)
}

// DeleteAllLocations removes all recorded locations.
func (c *Context) DeleteAllLocations() error {
	if err := c.locations.DeleteAll(); err != nil {
		return err
	}
	c.emit(locationChangedEvent(0))
	return nil
}

// pendingLocationsKml serializes the unsent streaming locations of a
// chat; "" if the window is not live or nothing is pending.
func (c *Context) pendingLocationsKml(chatID int64) (string, error) {
	chats, err := c.locations.WindowChats()
	if err != nil {
		return "", err
	}
	now := time.Now().Unix()
	for _, w := range chats {
		if w.ChatID != chatID || w.SendBegin == 0 || w.SendUntil <= now {
			continue
		}
		pending, err := c.locations.Pending(ContactIDSelf, w.SendBegin, w.LastSent)
		if err != nil {
			return "", err
		}
		if len(pending) == 0 {
			return "", nil
		}
		addr, err := c.SelfAddr()
		if err != nil {
			return "", err
		}
		if err := c.locations.SetLastSent(chatID, now); err != nil {
			return "", err
		}
		return location.FormatKml(addr, pending), nil
	}
	return "", nil
}

func locationMessageKml(timestamp int64, latitude, longitude float64) string {
	return location.FormatMessageKml(timestamp, latitude, longitude)
}

// locationLoop runs while IO is started. It wakes on interrupt or
// after the computed wait and posts pending traces.
func (c *Context) locationLoop(stop <-chan struct{}, interrupt <-chan struct{}) {
	for {
		wait, err := c.maybeSendLocations()
		if err != nil {
			c.emitWarning(fmt.Sprintf("maybe_send_locations failed: %v", err))
			wait = time.Minute
		}

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-interrupt:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// maybeSendLocations posts a hidden location-only message for every
// streaming chat with pending locations, expires stale windows, and
// returns the time until the next check.
func (c *Context) maybeSendLocations() (time.Duration, error) {
	wait := locationLoopDefaultWait
	now := time.Now().Unix()

	chats, err := c.locations.WindowChats()
	if err != nil {
		return wait, err
	}

	for _, w := range chats {
		if w.SendBegin > 0 && w.SendUntil > now {
			if remaining := time.Duration(w.SendUntil-now) * time.Second; remaining < wait {
				wait = remaining
			}

			hasPending, err := c.locations.HasPending(ContactIDSelf, w.SendBegin, w.LastSent)
			if err != nil {
				return wait, err
			}
			if !hasPending {
				continue
			}

			if now > w.LastSent+int64(locationSendInterval.Seconds()) {
				// Pending locations are attached automatically to every
				// outgoing message, so also to this hidden empty one.
				c.log.Info().Int64("chat", w.ChatID).Msg("chat has pending locations, sending them")
				msg := NewMessage(ViewtypeText)
				msg.Hidden = true
				msg.Params.SetCmd(SystemMessageLocationOnly)
				if _, err := c.SendMsg(w.ChatID, msg); err != nil {
					return wait, err
				}
			} else {
				// Wait until the pending locations may be sent.
				until := time.Duration(w.LastSent+int64(locationSendInterval.Seconds())+1-now) * time.Second
				if until < wait {
					wait = until
				}
			}
		} else {
			// The window expired.
			c.log.Info().Int64("chat", w.ChatID).Msg("disabling location streaming")
			if err := c.locations.ClearWindow(w.ChatID); err != nil {
				return wait, err
			}
			if _, err := c.AddInfoMsg(w.ChatID, c.stockString(StockMsgLocationDisabled), now); err != nil {
				return wait, err
			}
			c.emit(chatModifiedEvent(w.ChatID))
		}
	}

	return wait, nil
}
