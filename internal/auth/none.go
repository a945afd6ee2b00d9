// Package auth provides the SOCKS5 AuthHandler implementations the engine
// ships with: no-auth (RFC 1928 METHOD_NONE) and username/password
// (RFC 1929). Grounded on original_source/src/auth.cpp's DefaultServerHandler.
package auth

import "socks5-proxy/internal/domain"

// None implements METHOD_NONE: accepted if offered, otherwise rejects.
// Step never needs input, so it completes immediately.
type None struct{}

func (None) Begin(offered map[byte]bool) byte {
	if offered[domain.MethodNone] {
		return domain.MethodNone
	}
	return domain.MethodReject
}

func (None) Step(sess domain.AuthSession, state *domain.AuthState) error {
	*state = domain.AuthDone
	return nil
}

func (None) End(sess domain.AuthSession) {}
