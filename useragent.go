package fasttime

import (
	"sync"

	"github.com/ua-parser/uap-go/uaparser"
)

// UserAgent represents a user agent.
type UserAgent struct {
	Family string
	Major  string
	Minor  string
	Patch  string
}

// UserAgentParser is a function that parses a user agent string and returns structured UserAgent data.
type UserAgentParser func(uastring string) UserAgent

// uapParser compiles the ua-parser regex set on first use.
var uapParser = sync.OnceValue(uaparser.NewFromSaved)

// ParseUserAgent is the default UserAgentParser, backed by the ua-parser regex definitions.
func ParseUserAgent(uastring string) UserAgent {
	ua := uapParser().ParseUserAgent(uastring)
	return UserAgent{
		Family: ua.Family,
		Major:  ua.Major,
		Minor:  ua.Minor,
		Patch:  ua.Patch,
	}
}
