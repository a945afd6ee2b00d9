package domain

// AuthState is the outcome of one AuthHandler.Step call.
type AuthState int

const (
	AuthCont AuthState = iota // need more bytes
	AuthDone                  // authentication succeeded, move to CMD
	AuthFail                  // authentication failed, fatal
)

// AuthSession is the narrow capability an AuthHandler needs: read the
// session's pending input, consume what it parsed, and write a response
// on the client's egress channel. Handlers never see the rest of the
// session (socket fds, timeouts, ...).
type AuthSession interface {
	PeekIngress() []byte
	ConsumeIngress(n int)
	WriteClient(data []byte) error
}

// AuthHandler is the pluggable per-connection authenticator, grounded on
// original_source/src/auth.h's IServerHandler (auth_begin/auth_perform/
// auth_end), expressed as a Go interface rather than a virtual base
// class, and injected rather than selected through global state.
type AuthHandler interface {
	// Begin chooses one method from the methods offered by the client, or
	// MethodReject if none is acceptable.
	Begin(offered map[byte]bool) byte
	// Step processes one chunk of newly-available input, possibly
	// consuming bytes from sess's ingress and writing a response. It must
	// never block and must set *state to AuthCont/AuthDone/AuthFail.
	Step(sess AuthSession, state *AuthState) error
	// End is called exactly once when the session leaves AUTH (success,
	// failure, or early teardown), to release any per-session auth state.
	End(sess AuthSession)
}
