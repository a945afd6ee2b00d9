package auth

import (
	"crypto/subtle"

	"socks5-proxy/internal/domain"
)

// UserPass implements RFC 1929 username/password sub-negotiation against a
// fixed single credential pair.
type UserPass struct {
	Username string
	Password string
}

func (u UserPass) Begin(offered map[byte]bool) byte {
	if offered[domain.MethodUsername] {
		return domain.MethodUsername
	}
	return domain.MethodReject
}

// Step waits for VER|ULEN|UNAME|PLEN|PASSWD (at least 5 bytes once UNAME
// and PASSWD are non-empty), parses it, and checks credentials in
// constant time.
func (u UserPass) Step(sess domain.AuthSession, state *domain.AuthState) error {
	buf := sess.PeekIngress()
	if len(buf) < 5 {
		*state = domain.AuthCont
		return nil
	}
	if buf[0] != domain.AuthVersion {
		*state = domain.AuthFail
		return domain.NewError(domain.KindBadAuthVersion, "UserPass.Step: bad sub-negotiation version")
	}

	ulen := int(buf[1])
	if len(buf) < 2+ulen+1 {
		*state = domain.AuthCont
		return nil
	}
	plen := int(buf[2+ulen])
	need := 2 + ulen + 1 + plen
	if len(buf) < need {
		*state = domain.AuthCont
		return nil
	}

	uname := string(buf[2 : 2+ulen])
	passwd := string(buf[2+ulen+1 : need])
	sess.ConsumeIngress(need)

	ok := subtle.ConstantTimeCompare([]byte(uname), []byte(u.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(passwd), []byte(u.Password)) == 1

	if ok {
		*state = domain.AuthDone
		return sess.WriteClient([]byte{domain.AuthVersion, 0x00})
	}
	*state = domain.AuthFail
	_ = sess.WriteClient([]byte{domain.AuthVersion, 0x01})
	return domain.NewError(domain.KindAuthFailed, "UserPass.Step: credential mismatch")
}

func (UserPass) End(sess domain.AuthSession) {}
