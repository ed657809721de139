// Package locator implements the parsed connection address used as the
// identity for every live RPC session and broadcast endpoint in the fabric.
package locator

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ConnectionLocator is the parsed form of a channel-spec address:
// <protocol>://host:port[/identifier][?k=v&...].
//
// Equality and map-key use are structural over (Host, Port, Identifier,
// Username, Password, Properties) — two locators built from the same wire
// string always compare equal via Key(), even though the struct itself
// contains a map and is not Go `==`-comparable.
type ConnectionLocator struct {
	Host       string
	Port       int
	Identifier string
	Username   string
	Password   string
	Properties map[string]string
}

// Key returns a deterministic string identity for use as a map key.
// Properties are sorted by key so that two locators parsed from
// differently-ordered query strings still collide to the same key.
func (l ConnectionLocator) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%s|%s|%s", l.Host, l.Port, l.Identifier, l.Username, l.Password)
	if len(l.Properties) > 0 {
		keys := make([]string, 0, len(l.Properties))
		for k := range l.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%s", k, l.Properties[k])
		}
	}
	return b.String()
}

// HostPort returns the locator with only Host/Port set — the identity used
// to key the one-endpoint-per-(host,port) broadcast workers.
func (l ConnectionLocator) HostPort() ConnectionLocator {
	return ConnectionLocator{Host: l.Host, Port: l.Port}
}

// Address formats the dialable "host:port" form.
func (l ConnectionLocator) Address() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// String renders a canonical, round-trippable textual form (without the
// protocol scheme — callers that need the scheme should use
// ChannelSpec.String()).
func (l ConnectionLocator) String() string {
	s := l.Address()
	if l.Username != "" {
		ui := url.User(l.Username)
		if l.Password != "" {
			ui = url.UserPassword(l.Username, l.Password)
		}
		s = ui.String() + "@" + s
	}
	if l.Identifier != "" {
		s += "/" + l.Identifier
	}
	if len(l.Properties) > 0 {
		keys := make([]string, 0, len(l.Properties))
		for k := range l.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(l.Properties[k]))
		}
		s += "?" + strings.Join(parts, "&")
	}
	return s
}

// Parse parses the host/port/identifier/properties portion of a channel
// spec, i.e. everything after "<protocol>://". Unlike ParseChannelSpec this
// does not validate or consume a protocol scheme.
func Parse(rest string) (ConnectionLocator, error) {
	// Reconstruct a parseable URL by prepending a dummy scheme; the real
	// protocol is stripped by the caller (ParseChannelSpec) before this is
	// invoked, so "rest" never itself contains "://".
	u, err := url.Parse("locator://" + rest)
	if err != nil {
		return ConnectionLocator{}, fmt.Errorf("locator: invalid address %q: %w", rest, err)
	}
	if u.Hostname() == "" {
		return ConnectionLocator{}, fmt.Errorf("locator: missing host in %q", rest)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return ConnectionLocator{}, fmt.Errorf("locator: invalid port in %q: %w", rest, err)
		}
	}
	loc := ConnectionLocator{
		Host: u.Hostname(),
		Port: port,
	}
	if u.User != nil {
		loc.Username = u.User.Username()
		loc.Password, _ = u.User.Password()
	}
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		loc.Identifier = p
	}
	if q := u.RawQuery; q != "" {
		values, err := url.ParseQuery(q)
		if err != nil {
			return ConnectionLocator{}, fmt.Errorf("locator: invalid query in %q: %w", rest, err)
		}
		props := make(map[string]string, len(values))
		for k := range values {
			props[k] = values.Get(k)
		}
		loc.Properties = props
	}
	return loc, nil
}
