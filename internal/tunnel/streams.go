package tunnel

import (
	"io"
	"net"
	"sync/atomic"
	"time"
)

// ForwardedPortStream is the bidirectional byte stream for one forwarded
// connection, handed to forwardedPortConnecting observers so they can wrap
// it (compression, inspection, nested E2EE) before the core copies bytes
// to/from the local TCP socket (§4.4, §6).
type ForwardedPortStream interface {
	io.ReadWriteCloser
}

// countingStream wraps a ForwardedPortStream and accumulates bytes moved
// in each direction, grounded on the teacher's countingWriter
// (internal/client/client.go) generalized to both directions.
type countingStream struct {
	ForwardedPortStream
	bytesRead    int64
	bytesWritten int64
}

func (s *countingStream) Read(p []byte) (int, error) {
	n, err := s.ForwardedPortStream.Read(p)
	atomic.AddInt64(&s.bytesRead, int64(n))
	return n, err
}

func (s *countingStream) Write(p []byte) (int, error) {
	n, err := s.ForwardedPortStream.Write(p)
	atomic.AddInt64(&s.bytesWritten, int64(n))
	return n, err
}

func (s *countingStream) BytesRead() int64    { return atomic.LoadInt64(&s.bytesRead) }
func (s *countingStream) BytesWritten() int64 { return atomic.LoadInt64(&s.bytesWritten) }

// netConnStream adapts a net.Conn (the local TCP socket, or an ssh.Channel
// via sshChannelConn below) to ForwardedPortStream.
type netConnStream struct {
	net.Conn
}

// sshChannelConn adapts an ssh.Channel (which lacks net.Addr/deadlines) to
// ForwardedPortStream so it can be pumped with the same relayPump helper as
// a real net.Conn.
type sshChannelConn struct {
	io.ReadWriteCloser
}

// sshChannelNetConn further adapts an sshChannelConn to net.Conn so a
// relay-forwarded V1 client channel can be handed to ssh.NewServerConn,
// which requires a real net.Conn. Addrs are nil and deadlines are no-ops:
// the nested handshake has no use for either, and ssh.Channel exposes
// neither itself.
type sshChannelNetConn struct {
	sshChannelConn
}

func (sshChannelNetConn) LocalAddr() net.Addr              { return nil }
func (sshChannelNetConn) RemoteAddr() net.Addr             { return nil }
func (sshChannelNetConn) SetDeadline(time.Time) error      { return nil }
func (sshChannelNetConn) SetReadDeadline(time.Time) error  { return nil }
func (sshChannelNetConn) SetWriteDeadline(time.Time) error { return nil }

var _ net.Conn = sshChannelNetConn{}

// relayPump copies bytes bidirectionally between a and b until either side
// closes or errors, then closes both. Grounded on the teacher's
// handleStream (internal/client/client.go): two io.Copy goroutines behind
// a single completion channel.
func relayPump(a, b ForwardedPortStream) (int64, int64) {
	done := make(chan struct{}, 2)
	var aToB, bToA int64

	go func() {
		n, _ := io.Copy(b, a)
		aToB = n
		forwardedBytesTotal.WithLabelValues("a_to_b").Add(float64(n))
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(a, b)
		bToA = n
		forwardedBytesTotal.WithLabelValues("b_to_a").Add(float64(n))
		done <- struct{}{}
	}()

	<-done
	a.Close()
	b.Close()
	<-done

	return aToB, bToA
}
