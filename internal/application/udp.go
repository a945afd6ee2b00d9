package application

import (
	"time"

	"golang.org/x/sys/unix"

	"socks5-proxy/internal/domain"
	"socks5-proxy/internal/infrastructure/network"
)

// UDPPair is the ASSOCIATE-side half of a session: two unconnected UDP
// sockets, one facing the SOCKS client and one facing remote peers, plus
// the learned client source address used to route replies back. Exists
// iff the session executed UDP ASSOCIATE.
type UDPPair struct {
	session *Session

	clientFD int
	remoteFD int

	clientFrom    domain.AddressValue
	clientFromSet bool
}

// execUDPAssociate binds the client-facing and remote-facing UDP sockets,
// replies REP=0 with the client-facing socket's address, and moves the
// session into StateUDP. dst is informational only — this engine learns
// the real client source address from the first inbound datagram.
func (s *Session) execUDPAssociate(dst domain.AddressValue) error {
	localAddr, err := network.LocalAddr(s.clientFD)
	if err != nil {
		return s.replyErrAndReturn(err)
	}

	clientFD, err := network.BindUDPEphemeral(localAddr)
	if err != nil {
		return s.replyErrAndReturn(err)
	}
	remoteFD, err := network.BindUDPEphemeral(localAddr)
	if err != nil {
		unix.Close(clientFD)
		return s.replyErrAndReturn(err)
	}
	local, err := network.LocalAddr(clientFD)
	if err != nil {
		unix.Close(clientFD)
		unix.Close(remoteFD)
		return s.replyErrAndReturn(err)
	}

	pair := &UDPPair{session: s, clientFD: clientFD, remoteFD: remoteFD}

	if err := s.server.loop.Register(clientFD, domain.EventRead); err != nil {
		unix.Close(clientFD)
		unix.Close(remoteFD)
		return s.replyErrAndReturn(err)
	}
	if err := s.server.loop.Register(remoteFD, domain.EventRead); err != nil {
		_ = s.server.loop.Unregister(clientFD)
		unix.Close(clientFD)
		unix.Close(remoteFD)
		return s.replyErrAndReturn(err)
	}

	if err := s.egress.Write(domain.EncodeReply(domain.ReplyOK, local)); err != nil {
		return err
	}

	s.udp = pair
	s.server.udpIndex[clientFD] = s
	s.server.udpIndex[remoteFD] = s
	s.state = StateUDP
	s.server.clientWheel.Remove(&s.stallTracer)
	s.touchIdle(time.Now())
	return nil
}

// handleUDPClientReadable services one datagram arriving on the
// client-facing socket: validate its source IP against the TCP client,
// latch or update udp_client_from, strip the SOCKS5 UDP header, and
// forward the payload to its destination via the remote-facing socket.
func (s *Session) handleUDPClientReadable() {
	pair := s.udp
	var buf [udpReadBufSize]byte
	n, from, err := unix.Recvfrom(pair.clientFD, buf[:], 0)
	if err != nil {
		if !isAgain(err) {
			s.log.Warn().Err(err).Msg("udp client recvfrom failed")
		}
		return
	}

	srcAddr, ok := domain.FromSockaddr(from)
	if !ok || !srcAddr.EqualIP(s.clientAddr) {
		s.log.Warn().Msg("udp datagram from unexpected source IP, dropping")
		return
	}
	if !pair.clientFromSet {
		pair.clientFrom = srcAddr
		pair.clientFromSet = true
	} else if !pair.clientFrom.Equal(srcAddr) {
		s.log.Warn().Str("from", srcAddr.String()).Msg("udp client source changed")
		pair.clientFrom = srcAddr
	}

	hdr, perr := domain.ParseUDPHeader(buf[:n])
	if perr != nil {
		s.log.Warn().Err(perr).Msg("udp client datagram malformed, dropping")
		return
	}

	payload := buf[hdr.PayloadOffset:n]
	if serr := unix.Sendto(pair.remoteFD, payload, 0, hdr.Dst.ToSockaddr()); serr != nil && !isAgain(serr) {
		s.log.Warn().Err(serr).Msg("udp send to remote failed, dropping")
	}
	s.touchIdle(time.Now())
}

// handleUDPRemoteReadable services one datagram arriving on the
// remote-facing socket: wrap it in a SOCKS5 UDP header and send it to the
// learned client address, via the client-facing socket — the fix for the
// observed reply-from-the-wrong-socket bug noted against the original
// behavior.
func (s *Session) handleUDPRemoteReadable() {
	pair := s.udp
	var buf [udpReadBufSize]byte
	n, from, err := unix.Recvfrom(pair.remoteFD, buf[:], 0)
	if err != nil {
		if !isAgain(err) {
			s.log.Warn().Err(err).Msg("udp remote recvfrom failed")
		}
		return
	}

	if !pair.clientFromSet {
		s.log.Warn().Msg("udp reply before any client datagram, dropping")
		return
	}
	peerAddr, ok := domain.FromSockaddr(from)
	if !ok {
		return
	}

	datagram := domain.EncodeUDPHeader(peerAddr, buf[:n])
	if serr := unix.Sendto(pair.clientFD, datagram, 0, pair.clientFrom.ToSockaddr()); serr != nil && !isAgain(serr) {
		s.log.Warn().Err(serr).Msg("udp send to client failed, dropping")
	}
	s.touchIdle(time.Now())
}

func (p *UDPPair) close(server *ProxyServer) {
	_ = server.loop.Unregister(p.clientFD)
	_ = server.loop.Unregister(p.remoteFD)
	unix.Close(p.clientFD)
	unix.Close(p.remoteFD)
	delete(server.udpIndex, p.clientFD)
	delete(server.udpIndex, p.remoteFD)
}
