package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Op identifies the kind of attribute request
type Op string

const (
	OpUpdate       Op = "update"
	OpRefresh      Op = "refresh"
	OpPeerRemove   Op = "peer-remove"
	OpClearFailure Op = "clear-failure"
)

// Store sections an attribute can be written to
const (
	// SectionStatus holds transient per-node attributes, wiped on restart
	// of the shared store. This is the default.
	SectionStatus = "status"

	// SectionNodes holds permanent per-node attributes.
	SectionNodes = "nodes"
)

// Request is an attribute operation, both as accepted from local clients
// and as relayed between peers. Absent Value means delete.
type Request struct {
	Op      Op     `json:"op"`
	Origin  string `json:"origin,omitempty"`
	Host    string `json:"host,omitempty"`
	Name    string `json:"name,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Value   *string `json:"value,omitempty"`

	SetName  string `json:"set,omitempty"`
	Section  string `json:"section,omitempty"`
	Dampen   string `json:"dampen,omitempty"`
	EntryKey string `json:"key,omitempty"`

	// Failure-clear parameters
	Resource  string `json:"resource,omitempty"`
	Operation string `json:"operation,omitempty"`
	Interval  string `json:"interval,omitempty"`

	// SuppressLocal marks a broadcast whose originator already applied the
	// change locally, so an echo must not be re-applied there.
	SuppressLocal bool `json:"suppress_local,omitempty"`

	// Principal is the ACL identity the store write is attributed to.
	Principal string `json:"principal,omitempty"`

	// IsRemote flags the target host as a non-clustered (remote-class)
	// node whose attributes are written straight to the store.
	IsRemote bool `json:"is_remote,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	out := *r
	if r.Value != nil {
		v := *r.Value
		out.Value = &v
	}
	return &out
}

// ValueString renders the request value for logs, with absent values
// shown as "<unset>".
func (r *Request) ValueString() string {
	if r.Value == nil {
		return "<unset>"
	}
	return *r.Value
}

// StringValue returns a pointer to s, for building requests inline.
func StringValue(s string) *string {
	return &s
}

// ParseDampen parses a dampening interval. A plain integer is taken as
// seconds; anything else must be valid Go duration syntax ("500ms", "5s",
// "1m"). The empty string parses to zero.
func ParseDampen(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative dampening interval %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid dampening interval %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative dampening interval %q", s)
	}
	return d, nil
}

// ParseInterval parses an operation interval into milliseconds, using the
// same syntax as ParseDampen. Invalid input parses to zero, matching how
// unparseable intervals have always been treated.
func ParseInterval(s string) int {
	d, err := ParseDampen(s)
	if err != nil {
		return 0
	}
	return int(d / time.Millisecond)
}

// NeedsExpansion reports whether an update value uses the increment
// syntax: a trailing "++" or an embedded "+=".
func NeedsExpansion(value string) bool {
	return strings.HasSuffix(value, "++") || strings.Contains(value, "+=")
}

// ExpandValue evaluates the increment syntax against the previous value.
// "X++" yields old+1 and "X+=N" yields old+N, where a missing or
// non-numeric old value counts as zero. Values without increment syntax
// are returned unchanged.
func ExpandValue(value string, old *string) string {
	var base int
	if old != nil {
		if n, err := strconv.Atoi(*old); err == nil {
			base = n
		}
	}

	if strings.HasSuffix(value, "++") {
		return strconv.Itoa(base + 1)
	}
	if idx := strings.Index(value, "+="); idx >= 0 {
		delta, err := strconv.Atoi(value[idx+2:])
		if err != nil {
			// Unparseable offset increments by one
			delta = 1
		}
		return strconv.Itoa(base + delta)
	}
	return value
}
