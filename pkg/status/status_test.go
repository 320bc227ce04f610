package status

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOkByDefault(t *testing.T) {
	var s Status
	require.True(t, s.Ok())
	require.Equal(t, "", s.GetErrorMsg())
}

func TestFromMsgsEmptyIsOk(t *testing.T) {
	require.True(t, FromMsgs(nil).Ok())
	require.True(t, FromMsgs([]string{}).Ok())
}

func TestGetErrorMsgJoinsWithNewline(t *testing.T) {
	s := FromMsgs([]string{"first error", "second error"})
	require.False(t, s.Ok())
	require.Equal(t, "first error\nsecond error", s.GetErrorMsg())
}

func TestMergeSticky(t *testing.T) {
	s := OK
	s.Merge(New("boom"))
	require.False(t, s.Ok())
	require.Equal(t, "boom", s.GetErrorMsg())

	// Once non-OK, a subsequent Merge must not overwrite it (invariant 3).
	s.Merge(New("second boom"))
	require.Equal(t, "boom", s.GetErrorMsg())

	// Merging OK into a non-OK status is a no-op too.
	s.Merge(OK)
	require.Equal(t, "boom", s.GetErrorMsg())
}

func TestWireRoundTrip(t *testing.T) {
	cases := []Status{
		OK,
		New("single message"),
		FromMsgs([]string{"a", "b", "c"}),
	}
	for _, s := range cases {
		got := FromGRPC(s.ToGRPC())
		require.Equal(t, s.Ok(), got.Ok())
		require.Equal(t, s.GetErrorMsg(), got.GetErrorMsg())
	}
}

func TestFromGRPCNil(t *testing.T) {
	require.True(t, FromGRPC(nil).Ok())
}
