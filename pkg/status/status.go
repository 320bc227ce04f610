// Package status implements the aggregated error value used throughout the
// control plane. A Status is either OK or an ordered, non-empty
// list of error messages; once non-OK it is never silently downgraded back
// to OK.
//
// The type mirrors impala's be/src/common/status.cc: single-message and
// multi-message constructors, newline-joined GetErrorMsg, and a wire form.
// The wire form here is google.golang.org/grpc/status rather than a
// hand-rolled struct, since the daemon already links grpc for the health
// service and grpc/status already models exactly
// "OK or a code plus a message" with a details list for extra structure.
package status

import (
	"strings"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	gstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Status is either ok (zero value) or carries one or more error messages.
// The zero value is OK, so a bare `var s Status` or `status.Status{}` is
// always safe to use.
type Status struct {
	msgs []string
}

// OK is the canonical ok status.
var OK = Status{}

// New constructs a non-OK status from a single message. An empty message
// still produces a non-OK status carrying that empty string, matching the
// C++ Status(const string&) constructor which never treats its argument as
// special.
func New(msg string) Status {
	return Status{msgs: []string{msg}}
}

// Newf constructs a non-OK status from a formatted message.
func Newf(format string, args ...interface{}) Status {
	return New(errors.Newf(format, args...).Error())
}

// FromMsgs constructs a status from an ordered list of messages. An empty
// slice yields OK.
func FromMsgs(msgs []string) Status {
	if len(msgs) == 0 {
		return OK
	}
	cp := make([]string, len(msgs))
	copy(cp, msgs)
	return Status{msgs: cp}
}

// FromError converts a Go error into a Status; nil maps to OK.
func FromError(err error) Status {
	if err == nil {
		return OK
	}
	return New(err.Error())
}

// Ok reports whether s carries no error.
func (s Status) Ok() bool {
	return len(s.msgs) == 0
}

// ErrorMsgs returns a defensive copy of the ordered message list.
func (s Status) ErrorMsgs() []string {
	if len(s.msgs) == 0 {
		return nil
	}
	cp := make([]string, len(s.msgs))
	copy(cp, s.msgs)
	return cp
}

// GetErrorMsg joins the message list with newlines, matching
// Status::GetErrorMsg() in the original implementation. Returns "" if ok.
func (s Status) GetErrorMsg() string {
	return strings.Join(s.msgs, "\n")
}

// Error implements the error interface so a Status can be returned wherever
// idiomatic Go code expects one; OK statuses return nil-equivalent "" but
// callers should prefer checking Ok() before treating a Status as an error.
func (s Status) Error() string {
	return s.GetErrorMsg()
}

// Merge implements the sticky first-error merge: "if current.ok() then
// current = new". A status that is already non-OK is never overwritten.
func (s *Status) Merge(new Status) {
	if s.Ok() {
		*s = new
	}
}

// ToGRPC converts s to its wire form. OK maps to codes.OK with no message;
// any error maps to codes.Internal, with the full ordered message list
// attached as a details payload so ordering survives the round trip (the
// grpc/status Message() alone would collapse the list to one string).
func (s Status) ToGRPC() *gstatus.Status {
	if s.Ok() {
		return gstatus.New(codes.OK, "")
	}
	st := gstatus.New(codes.Internal, s.GetErrorMsg())
	withDetails, err := st.WithDetails(toDetailProto(s.msgs))
	if err != nil {
		// Detail attachment can only fail if the proto doesn't satisfy the
		// Any wire contract, which wrapperspb.StringValue always does.
		return st
	}
	return withDetails
}

// FromGRPC converts a wire status back into a Status. A nil input or a
// codes.OK status maps to OK; anything else reconstructs the ordered
// message list from the attached details when present, falling back to the
// single top-level message otherwise.
func FromGRPC(gs *gstatus.Status) Status {
	if gs == nil || gs.Code() == codes.OK {
		return OK
	}
	for _, d := range gs.Details() {
		if list, ok := d.(*wrapperspb.StringValue); ok && list.Value != "" {
			return FromMsgs(strings.Split(list.Value, "\x00"))
		}
	}
	return New(gs.Message())
}

// toDetailProto packs the ordered message list into a single StringValue
// using a NUL separator, since grpc/status details must be proto messages
// and there is no off-the-shelf "list of strings" wire type.
func toDetailProto(msgs []string) *wrapperspb.StringValue {
	return wrapperspb.String(strings.Join(msgs, "\x00"))
}
