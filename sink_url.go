package dirwatch

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
)

// SinkFactory is a function that creates a Sink from URL components.
// The userinfo parameter contains credentials from the URL (e.g., user:pass@host).
type SinkFactory func(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (Sink, error)

var (
	sinkFactories   = make(map[string]SinkFactory)
	sinkFactoriesMu sync.RWMutex
)

// RegisterSinkFactory registers a factory function for creating sinks for
// a given URL scheme. This is typically called from init() functions in
// sink packages.
func RegisterSinkFactory(scheme string, factory SinkFactory) {
	sinkFactoriesMu.Lock()
	defer sinkFactoriesMu.Unlock()
	sinkFactories[scheme] = factory
}

// NewSinkFromURL creates a new Sink from a URL string. The URL scheme
// determines which sink is used (file, nats, etc.). A bare filesystem
// path is treated as a file sink destination.
func NewSinkFromURL(rawURL string) (Sink, error) {
	if rawURL != "" && !IsURL(rawURL) {
		return newSink("file", "", rawURL, nil, nil)
	}

	scheme, host, urlPath, query, userinfo, err := ParseSinkURL(rawURL)
	if err != nil {
		return nil, err
	}
	return newSink(scheme, host, urlPath, query, userinfo)
}

func newSink(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (Sink, error) {
	sinkFactoriesMu.RLock()
	factory, ok := sinkFactories[scheme]
	sinkFactoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported sink URL scheme: %q", scheme)
	}
	return factory(scheme, host, urlPath, query, userinfo)
}

// SinkTypeFromURL returns the sink type from a URL string. Returns "file"
// for bare paths and an empty string if the URL is invalid.
func SinkTypeFromURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	if !IsURL(rawURL) {
		return "file"
	}
	scheme, _, _, _, _, err := ParseSinkURL(rawURL)
	if err != nil {
		return ""
	}
	return scheme
}

// ParseSinkURL parses a sink URL and returns its components along with
// any query parameters and userinfo.
func ParseSinkURL(s string) (scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo, err error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", "", "", nil, nil, err
	}

	switch u.Scheme {
	case "file":
		scheme, u.Scheme = u.Scheme, ""
		// Remove query params from path for file URLs
		u.RawQuery = ""
		return scheme, "", path.Clean(u.String()), nil, nil, nil

	case "":
		return u.Scheme, u.Host, u.Path, nil, nil, fmt.Errorf("sink url scheme required: %s", s)

	default:
		return u.Scheme, u.Host, strings.TrimPrefix(path.Clean(u.Path), "/"), u.Query(), u.User, nil
	}
}

var isURLRegex = regexp.MustCompile(`^\w+:\/\/`)

// IsURL returns true if s appears to be a URL (has a scheme).
func IsURL(s string) bool {
	return isURLRegex.MatchString(s)
}
