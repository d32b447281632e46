package failures

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Attribute name prefixes used for failure tracking. A resource's failure
// history lives in attributes named
// "<prefix>-<resource>#<operation>_<interval-ms>", with pre-#-suffix
// deployments having used the bare "<prefix>-<resource>" form.
const (
	FailCountPrefix   = "fail-count"
	LastFailurePrefix = "last-failure"
)

// FailCountName returns the failure-count attribute name for one
// operation of a resource.
func FailCountName(resource, operation string, intervalMS int) string {
	return fmt.Sprintf("%s-%s#%s_%d", FailCountPrefix, resource, operation, intervalMS)
}

// LastFailureName returns the last-failure attribute name for one
// operation of a resource.
func LastFailureName(resource, operation string, intervalMS int) string {
	return fmt.Sprintf("%s-%s#%s_%d", LastFailurePrefix, resource, operation, intervalMS)
}

const prefixAlternation = "^(" + FailCountPrefix + "|" + LastFailurePrefix + ")-"

// BuildClearPredicate compiles the attribute-name predicate for a
// clear-failure request against the local table.
//
// No resource: any failure-tracking attribute matches. Resource only: the
// resource's attributes for every operation match, including the legacy
// unqualified name. Resource and operation: only that operation/interval
// pair matches, again including the legacy unqualified name.
func BuildClearPredicate(resource, operation string, intervalMS int) (*regexp.Regexp, error) {
	var pattern string
	switch {
	case resource == "":
		pattern = prefixAlternation
	case operation == "":
		pattern = prefixAlternation + regexp.QuoteMeta(resource) + `(#.+_[0-9]+)?$`
	default:
		pattern = prefixAlternation + regexp.QuoteMeta(resource) +
			`(#` + regexp.QuoteMeta(operation) + `_` + strconv.Itoa(intervalMS) + `)?$`
	}
	return regexp.Compile(pattern)
}

// ClearQuery is the structured delete predicate sent to the shared store
// to bulk-clear failure attributes of remote-class nodes, which are not
// tracked in the local table.
type ClearQuery struct {
	// Host scopes the query to one remote node; empty matches all.
	Host string

	Resource   string
	Operation  string
	IntervalMS int
}

// BuildClearQuery builds the remote-node equivalent of
// BuildClearPredicate, parameterized identically and optionally scoped to
// one host.
func BuildClearQuery(host, resource, operation string, intervalMS int) ClearQuery {
	return ClearQuery{
		Host:       host,
		Resource:   resource,
		Operation:  operation,
		IntervalMS: intervalMS,
	}
}

// MatchesHost reports whether the query covers the given remote node.
func (q ClearQuery) MatchesHost(host string) bool {
	return q.Host == "" || q.Host == host
}

// MatchesName reports whether an attribute name is covered by the query.
// The matching rules mirror BuildClearPredicate exactly.
func (q ClearQuery) MatchesName(name string) bool {
	var rest string
	switch {
	case strings.HasPrefix(name, FailCountPrefix+"-"):
		rest = name[len(FailCountPrefix)+1:]
	case strings.HasPrefix(name, LastFailurePrefix+"-"):
		rest = name[len(LastFailurePrefix)+1:]
	default:
		return false
	}

	if q.Resource == "" {
		return true
	}
	if rest == q.Resource {
		// Legacy name without the operation part
		return true
	}
	if !strings.HasPrefix(rest, q.Resource+"#") {
		return false
	}
	suffix := rest[len(q.Resource)+1:]
	if q.Operation == "" {
		idx := strings.LastIndex(suffix, "_")
		if idx < 0 || idx == len(suffix)-1 {
			return false
		}
		_, err := strconv.Atoi(suffix[idx+1:])
		return err == nil
	}
	return suffix == fmt.Sprintf("%s_%d", q.Operation, q.IntervalMS)
}

// String describes the query for logs.
func (q ClearQuery) String() string {
	host := q.Host
	if host == "" {
		host = "all remote nodes"
	}
	switch {
	case q.Resource == "":
		return fmt.Sprintf("clear all resources on %s", host)
	case q.Operation == "":
		return fmt.Sprintf("clear %s on %s", q.Resource, host)
	default:
		return fmt.Sprintf("clear %s#%s_%d on %s", q.Resource, q.Operation, q.IntervalMS, host)
	}
}
