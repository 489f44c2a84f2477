package protocol

// ErrorCode is a machine-readable reason attached to an error frame. The
// dispatcher always surfaces the specific reason, never a generic failure.
type ErrorCode string

const (
	// CodeUnauthenticated: the connection has no verified identity, or is
	// not yet bound to a room.
	CodeUnauthenticated ErrorCode = "Unauthenticated"
	// CodeNotMember: the acting identity has no membership in the room.
	CodeNotMember ErrorCode = "NotMember"
	// CodeNotAuthor: the acting identity did not author the target message.
	CodeNotAuthor ErrorCode = "NotAuthor"
	// CodeNotAdmin: the acting identity is not a room admin.
	CodeNotAdmin ErrorCode = "NotAdmin"
	// CodePolicyDisabled: the room's policy disables this operation.
	CodePolicyDisabled ErrorCode = "PolicyDisabled"
	// CodeRoomFull: the room's live connection count is at MaxUsers.
	CodeRoomFull ErrorCode = "RoomFull"
	// CodeInvalidCode: empty or mismatched room join code.
	CodeInvalidCode ErrorCode = "InvalidCode"
	// CodeInvalidSettings: rejected room policy values.
	CodeInvalidSettings ErrorCode = "InvalidSettings"
	// CodeNotFound: the target room, message, or user does not exist.
	CodeNotFound ErrorCode = "NotFound"
	// CodeConflict: a uniqueness or binding conflict.
	CodeConflict ErrorCode = "Conflict"
	// CodeUnknownAction: unrecognized action name.
	CodeUnknownAction ErrorCode = "UnknownAction"
	// CodeInvalidFormat: malformed frame or parameter values.
	CodeInvalidFormat ErrorCode = "InvalidFormat"
	// CodeInternalError: a store or server fault; details are logged, not
	// surfaced.
	CodeInternalError ErrorCode = "InternalError"
)
