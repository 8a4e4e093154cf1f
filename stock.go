package chatmail

import (
	"fmt"
	"strings"
)

// StockID identifies a stock string shown to the user. UIs may install
// translations with SetStockTranslation; untranslated ids fall back to
// the English defaults below.
type StockID int

const (
	StockContactVerified       StockID = 35
	StockContactNotVerified    StockID = 36
	StockMsgLocationEnabled    StockID = 64
	StockMsgLocationDisabled   StockID = 65
	StockCannotDecrypt         StockID = 29
	StockSecurejoinWait        StockID = 190
	StockSecurejoinGroupJoined StockID = 68
)

var stockDefaults = map[StockID]string{
	StockContactVerified:       "%1$s verified.",
	StockContactNotVerified:    "Cannot verify %1$s.",
	StockMsgLocationEnabled:    "Location streaming enabled.",
	StockMsgLocationDisabled:   "Location streaming disabled.",
	StockCannotDecrypt:         "This message cannot be decrypted.",
	StockSecurejoinWait:        "Establishing guaranteed end-to-end encryption, please wait…",
	StockSecurejoinGroupJoined: "Member %1$s added.",
}

// SetStockTranslation installs a translated stock string.
// The placeholder syntax of the default must be preserved.
func (c *Context) SetStockTranslation(id StockID, translation string) error {
	def, ok := stockDefaults[id]
	if !ok {
		return fmt.Errorf("unknown stock string id %d", id)
	}
	if strings.Contains(def, "%1$s") && !strings.Contains(translation, "%1$s") {
		return fmt.Errorf("translation for stock id %d misses placeholder %%1$s", id)
	}

	c.stockMu.Lock()
	defer c.stockMu.Unlock()
	c.stockStrings[id] = translation
	return nil
}

func (c *Context) stockString(id StockID) string {
	c.stockMu.RLock()
	s, ok := c.stockStrings[id]
	c.stockMu.RUnlock()
	if ok {
		return s
	}
	return stockDefaults[id]
}

func (c *Context) stockStringRepl(id StockID, arg string) string {
	return strings.ReplaceAll(c.stockString(id), "%1$s", arg)
}
