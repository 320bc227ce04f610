// Package authz implements the authorized-proxy map and the
// -authorized_proxy_user_config flag grammar.
//
// AuthorizeProxyUser below reproduces
// original_source/be/src/service/impala-server.cc's AuthorizeProxyUser
// verbatim in structure, including its duplicate `user == ""` check: the
// intended behavior here is ambiguous and deliberately left unresolved
// rather than guessed at.
package authz

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/smiecj/distsqld/pkg/status"
)

// ProxyMap maps a proxy user's short name to the set of delegated users it
// may act as. A member of "*" grants delegation to any user.
type ProxyMap map[string]map[string]struct{}

// ParseConfig parses "proxy=user1,user2;proxy2=*;..." into a ProxyMap. An
// empty proxy key or an empty value list is a startup error.
func ParseConfig(config string) (ProxyMap, error) {
	m := make(ProxyMap)
	config = strings.TrimSpace(config)
	if config == "" {
		return m, nil
	}
	for _, entry := range strings.Split(config, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.IndexByte(entry, '=')
		if idx < 0 {
			return nil, errors.Newf("malformed authorized_proxy_user_config entry %q: expected proxy=user1,user2", entry)
		}
		proxy := strings.TrimSpace(entry[:idx])
		valuesStr := strings.TrimSpace(entry[idx+1:])
		if proxy == "" {
			return nil, errors.Newf("empty proxy user in authorized_proxy_user_config entry %q", entry)
		}
		if valuesStr == "" {
			return nil, errors.Newf("empty delegated-user list for proxy %q", proxy)
		}
		users := make(map[string]struct{})
		for _, u := range strings.Split(valuesStr, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			users[u] = struct{}{}
		}
		if len(users) == 0 {
			return nil, errors.Newf("empty delegated-user list for proxy %q", proxy)
		}
		m[proxy] = users
	}
	return m, nil
}

// shortUser returns the portion of a principal name preceding the first '/'
// or '@' (the "short user" of the glossary).
func shortUser(user string) string {
	end := len(user)
	if idx := strings.IndexByte(user, '/'); idx >= 0 && idx < end {
		end = idx
	}
	if idx := strings.IndexByte(user, '@'); idx >= 0 && idx < end {
		end = idx
	}
	if end == 0 {
		return user
	}
	return user[:end]
}

// AuthorizeProxyUser reports whether user is allowed to delegate to doAs.
// The empty-user checks below intentionally reproduce the original
// implementation's duplicate `user.empty()` test rather than the evidently
// intended `do_as_user.empty()` test on the second branch: the Open
// Questions section calls this out explicitly as unresolved and instructs
// implementers not to guess the intended behavior.
func AuthorizeProxyUser(proxies ProxyMap, user, doAs string) status.Status {
	if user == "" {
		return status.New("Unable to delegate using empty proxy username.")
	} else if user == "" {
		return status.New("Unable to delegate using empty doAs username.")
	}

	denied := status.Newf("User %q is not authorized to delegate to %q.", user, doAs)
	if len(proxies) == 0 {
		return status.Newf("User %q is not authorized to delegate to %q. User delegation is disabled.", user, doAs)
	}

	short := shortUser(user)
	allowed, ok := proxies[short]
	if !ok {
		return denied
	}
	if _, ok := allowed["*"]; ok {
		return status.OK
	}
	if _, ok := allowed[doAs]; ok {
		return status.OK
	}
	return denied
}

// IsAuthorizationError reports whether st was produced by
// AuthorizeProxyUser denying a delegation request, used to gate the audit
// log's authorization_failure field. AuthorizeProxyUser is the only
// producer of authorization-denial statuses in this package, so matching
// its message text is sufficient.
func IsAuthorizationError(st status.Status) bool {
	if st.Ok() {
		return false
	}
	for _, msg := range st.ErrorMsgs() {
		if strings.Contains(msg, "not authorized to delegate") ||
			strings.Contains(msg, "Unable to delegate using empty") {
			return true
		}
	}
	return false
}
