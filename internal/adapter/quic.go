package adapter

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"meshcore/internal/frame"
)

const (
	quicALPN     = "meshcore-quic"
	quicDialWait = 8 * time.Second
	quicIdle     = 30 * time.Second
	quicInbox    = 512
)

// QUIC carries one frame per stream over quic-go. Outbound connections are
// pooled per address and dropped when idle or broken.
type QUIC struct {
	addr     string
	insecure bool
	log      *zap.Logger

	mu       sync.Mutex
	listener *quic.Listener
	conns    map[string]*quicConn
	cancel   context.CancelFunc

	inbox    chan Inbound
	running  atomic.Bool
	sent     atomic.Uint64
	recv     atomic.Uint64
	lastErr  atomic.Value // string
	stopOnce sync.Once
}

type quicConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

func NewQUIC(addr string, log *zap.Logger) *QUIC {
	if log == nil {
		log = zap.NewNop()
	}
	return &QUIC{
		addr:  addr,
		log:   log,
		conns: make(map[string]*quicConn),
		inbox: make(chan Inbound, quicInbox),
	}
}

func (q *QUIC) Name() string { return "quic" }

func (q *QUIC) Initialize(cfg map[string]string) error {
	if a := cfg["addr"]; a != "" {
		q.addr = a
	}
	if cfg["insecure"] == "1" {
		q.insecure = true
	}
	if q.addr == "" {
		return ErrBadAddress
	}
	return nil
}

func (q *QUIC) Start(ctx context.Context) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(q.addr, tlsConf, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.listener = listener
	q.cancel = cancel
	q.mu.Unlock()
	q.running.Store(true)
	q.log.Info("quic listen ready", zap.String("addr", q.addr))
	go q.acceptLoop(ctx, listener)
	return nil
}

func (q *QUIC) acceptLoop(ctx context.Context, listener *quic.Listener) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				q.lastErr.Store(err.Error())
				q.log.Warn("quic accept error", zap.Error(err))
			}
			return
		}
		go q.serveConn(ctx, conn)
	}
}

func (q *QUIC) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func(s *quic.Stream) {
			defer s.Close()
			data, err := io.ReadAll(io.LimitReader(s, frame.MaxWireSize+1))
			if err != nil && !errors.Is(err, io.EOF) {
				return
			}
			if len(data) == 0 || len(data) > frame.MaxWireSize {
				return
			}
			q.recv.Add(1)
			select {
			case q.inbox <- Inbound{Adapter: q.Name(), From: remote, Data: data}:
			default:
				// Inbox saturated: shed rather than block the stream pump.
			}
		}(stream)
	}
}

func (q *QUIC) Stop() error {
	q.running.Store(false)
	q.mu.Lock()
	cancel := q.cancel
	listener := q.listener
	conns := q.conns
	q.conns = make(map[string]*quicConn)
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, c := range conns {
		_ = c.conn.CloseWithError(0, "shutdown")
	}
	var err error
	if listener != nil {
		err = listener.Close()
	}
	q.stopOnce.Do(func() { close(q.inbox) })
	return err
}

func (q *QUIC) Send(ctx context.Context, dest string, data []byte) error {
	if !q.running.Load() {
		return ErrNotRunning
	}
	if len(data) > frame.MaxWireSize {
		return ErrFrameTooBig
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, quicDialWait)
		defer cancel()
	}
	conn, err := q.dial(ctx, dest)
	if err != nil {
		q.lastErr.Store(err.Error())
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, dest, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		q.drop(dest, conn, "open stream")
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, dest, err)
	}
	defer stream.Close()
	if _, err := stream.Write(data); err != nil {
		q.drop(dest, conn, "write")
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, dest, err)
	}
	q.sent.Add(1)
	return nil
}

func (q *QUIC) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	now := time.Now()
	q.mu.Lock()
	if ent, ok := q.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= quicIdle {
			ent.lastUsed = now
			conn := ent.conn
			q.mu.Unlock()
			return conn, nil
		}
		delete(q.conns, addr)
		stale := ent.conn
		q.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		q.mu.Unlock()
	}
	tlsConf, err := clientTLSConfig(q.insecure)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.conns[addr] = &quicConn{conn: conn, lastUsed: now}
	q.mu.Unlock()
	return conn, nil
}

func (q *QUIC) drop(addr string, conn *quic.Conn, reason string) {
	q.mu.Lock()
	if ent, ok := q.conns[addr]; ok && ent.conn == conn {
		delete(q.conns, addr)
	}
	q.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (q *QUIC) Receive() <-chan Inbound { return q.inbox }

func (q *QUIC) DiscoverPeers(context.Context) ([]PeerHint, error) {
	// QUIC has no transport-level discovery; peers arrive via bootstrap and
	// DISCOVERY frames.
	return nil, nil
}

func (q *QUIC) Status() Status {
	lastErr, _ := q.lastErr.Load().(string)
	return Status{
		Running:   q.running.Load(),
		LastError: lastErr,
		Sent:      q.sent.Load(),
		Received:  q.recv.Load(),
	}
}

func (q *QUIC) Capabilities() Capabilities {
	return Capabilities{
		MTU:          1200,
		MaxFrameSize: frame.MaxWireSize,
		Latency:      0.8,
		Bandwidth:    0.9,
		Reliability:  0.8,
		Cost:         0.9,
	}
}

func (q *QUIC) LocalAddress() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listener != nil {
		return q.listener.Addr().String()
	}
	return q.addr
}

func (q *QUIC) ParseAddress(s string) (string, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		host, port, splitErr := net.SplitHostPort(s)
		if splitErr != nil || host == "" || port == "" {
			return "", fmt.Errorf("%w: %s", ErrBadAddress, s)
		}
		return s, nil
	}
	return ap.String(), nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate. Peer identity
// is proven by frame signatures, not TLS; the cert only bootstraps the QUIC
// handshake.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshcore-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		}, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{quicALPN},
	}, nil
}
