package chatmail

import (
	"sort"
	"strconv"
	"strings"
)

// Param keys are single characters; Params encode to one "key=value"
// pair per line for storage in the msgs table.
const (
	// ParamFile is the blob file attached to a message.
	ParamFile = "f"

	// ParamCmd carries the system-message subtype.
	ParamCmd = "S"

	// ParamArg is the first generic argument of a system message,
	// e.g. the Secure-Join step name.
	ParamArg = "E"

	// ParamArg2 is the second generic argument, e.g. an auth token.
	ParamArg2 = "F"

	// ParamArg3 is the third generic argument, e.g. a fingerprint.
	ParamArg3 = "G"

	// ParamArg4 is the fourth generic argument, e.g. a group id.
	ParamArg4 = "H"

	// ParamSkipAutocrypt suppresses the Autocrypt header on an
	// outgoing message.
	ParamSkipAutocrypt = "u"

	// ParamGuaranteeE2ee requires encryption for an outgoing message.
	ParamGuaranteeE2ee = "c"

	// ParamSetLatitude and ParamSetLongitude attach an independent
	// position to an outgoing message.
	ParamSetLatitude  = "A"
	ParamSetLongitude = "B"
)

// SystemMessage is the subtype of a system message, carried in
// ParamCmd.
type SystemMessage int

const (
	SystemMessageUnknown                  SystemMessage = 0
	SystemMessageGroupNameChanged         SystemMessage = 2
	SystemMessageGroupImageChanged        SystemMessage = 3
	SystemMessageMemberAdded              SystemMessage = 4
	SystemMessageMemberRemoved            SystemMessage = 5
	SystemMessageAutocryptSetupMessage    SystemMessage = 6
	SystemMessageSecurejoinMessage        SystemMessage = 7
	SystemMessageLocationStreamingEnabled SystemMessage = 8
	SystemMessageLocationOnly             SystemMessage = 9
)

// Params is the dictionary of small typed options attached to a
// message.
type Params map[string]string

// ParseParams decodes the stored "key=value" line format.
func ParseParams(encoded string) Params {
	p := Params{}
	for _, line := range strings.Split(encoded, "\n") {
		if key, value, found := strings.Cut(line, "="); found && key != "" {
			p[key] = value
		}
	}
	return p
}

// Encode serializes the params for storage, keys sorted for stable
// output.
func (p Params) Encode() string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(p[key])
	}
	return sb.String()
}

// Get returns the value for key, or "".
func (p Params) Get(key string) string {
	return p[key]
}

// Exists reports whether key is set.
func (p Params) Exists(key string) bool {
	_, ok := p[key]
	return ok
}

// Set stores a value; an empty value removes the key.
func (p Params) Set(key, value string) {
	if value == "" {
		delete(p, key)
		return
	}
	p[key] = value
}

// GetInt returns the integer value for key, or 0.
func (p Params) GetInt(key string) int {
	n, _ := strconv.Atoi(p[key])
	return n
}

// SetInt stores an integer value.
func (p Params) SetInt(key string, value int) {
	p[key] = strconv.Itoa(value)
}

// GetFloat returns the float value for key, or 0.
func (p Params) GetFloat(key string) float64 {
	f, _ := strconv.ParseFloat(p[key], 64)
	return f
}

// Cmd returns the system-message subtype.
func (p Params) Cmd() SystemMessage {
	return SystemMessage(p.GetInt(ParamCmd))
}

// SetCmd stores the system-message subtype.
func (p Params) SetCmd(cmd SystemMessage) {
	p.SetInt(ParamCmd, int(cmd))
}
