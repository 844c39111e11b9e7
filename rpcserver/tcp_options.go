package rpcserver

import (
	"net"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// listenConfig returns a net.ListenConfig that sets SO_REUSEADDR on the listening
// socket before bind, so a restarted server doesn't have to wait out TIME_WAIT on its
// old socket.
func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
}

// recvSendBufferSize is the per-connection SO_RCVBUF/SO_SNDBUF target. RPC payloads
// can run up to the configured max packet size (50MiB by default) and a too-small
// kernel buffer turns one large frame into many small reads/writes under load.
const recvSendBufferSize = 10 * 1024 * 1024

// applyTCPOptions sets TCP_NODELAY (disable Nagle, since RPC frames are latency
// sensitive and already explicitly length-prefixed), a zero SO_LINGER (an abrupt
// RST on close instead of a lingering FIN, so a worker that's shutting down never
// blocks waiting for a slow peer to ack), disables SO_KEEPALIVE (the protocol's own
// idle timeout already reclaims dead connections, so the kernel's keepalive probing
// would be redundant), and widens the socket's read/write buffers on a freshly
// accepted connection.
func applyTCPOptions(conn net.Conn, logger *zap.Logger) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		logger.Debug("rpcserver: failed to set TCP_NODELAY", zap.Error(err))
	}
	if err := tcpConn.SetLinger(0); err != nil {
		logger.Debug("rpcserver: failed to set SO_LINGER", zap.Error(err))
	}
	if err := tcpConn.SetKeepAlive(false); err != nil {
		logger.Debug("rpcserver: failed to disable SO_KEEPALIVE", zap.Error(err))
	}
	if err := tcpConn.SetReadBuffer(recvSendBufferSize); err != nil {
		logger.Debug("rpcserver: failed to set SO_RCVBUF", zap.Error(err))
	}
	if err := tcpConn.SetWriteBuffer(recvSendBufferSize); err != nil {
		logger.Debug("rpcserver: failed to set SO_SNDBUF", zap.Error(err))
	}
}
