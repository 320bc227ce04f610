package authz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	m, err := ParseConfig("proxy=user1,user2;proxy2=*")
	require.NoError(t, err)
	require.Contains(t, m, "proxy")
	require.Contains(t, m["proxy"], "user1")
	require.Contains(t, m["proxy"], "user2")
	require.Contains(t, m["proxy2"], "*")
}

func TestParseConfigEmpty(t *testing.T) {
	m, err := ParseConfig("")
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestParseConfigRejectsEmptyProxyOrValue(t *testing.T) {
	_, err := ParseConfig("=user1")
	require.Error(t, err)

	_, err = ParseConfig("proxy=")
	require.Error(t, err)
}

func TestAuthorizeWildcard(t *testing.T) {
	m, err := ParseConfig("proxy=*")
	require.NoError(t, err)
	require.True(t, AuthorizeProxyUser(m, "proxy", "anyone").Ok())
	require.True(t, AuthorizeProxyUser(m, "proxy/admin@REALM", "anyone").Ok())
}

func TestAuthorizeExactMatch(t *testing.T) {
	m, err := ParseConfig("proxy=alice,bob")
	require.NoError(t, err)
	require.True(t, AuthorizeProxyUser(m, "proxy", "alice").Ok())
	require.False(t, AuthorizeProxyUser(m, "proxy", "carol").Ok())
}

func TestAuthorizeUnknownProxy(t *testing.T) {
	m, err := ParseConfig("proxy=alice")
	require.NoError(t, err)
	require.False(t, AuthorizeProxyUser(m, "someone-else", "alice").Ok())
}

func TestAuthorizeDelegationDisabled(t *testing.T) {
	require.False(t, AuthorizeProxyUser(ProxyMap{}, "proxy", "alice").Ok())
}

func TestShortUser(t *testing.T) {
	require.Equal(t, "alice", shortUser("alice/admin@REALM.COM"))
	require.Equal(t, "alice", shortUser("alice@REALM.COM"))
	require.Equal(t, "alice", shortUser("alice"))
}
