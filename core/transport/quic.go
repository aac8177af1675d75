// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/worker"
)

// ALPN is externally visible in the QUIC handshake, so a common protocol
// is used rather than a fingerprintable one.
const alpn = "h3"

// QUICTransport carries each packet on its own unidirectional QUIC stream,
// over one cached connection per peer.
type QUICTransport struct {
	worker.Worker
	sync.Mutex

	log          *logging.Logger
	packetLength int

	listener  *quic.Listener
	clientTLS *tls.Config
	qconf     *quic.Config

	conns map[string]*quic.Conn
	inCh  chan []byte

	closeOnce sync.Once
}

// NewQUIC listens on addr for packets of packetLength bytes.
func NewQUIC(addr string, packetLength int, log *logging.Logger) (*QUICTransport, error) {
	t := &QUICTransport{
		log:          log,
		packetLength: packetLength,
		// Links are not authenticated; every packet is authenticated by
		// the hop that processes it.
		clientTLS: &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}},
		qconf: &quic.Config{
			MaxIdleTimeout:        2 * time.Minute,
			KeepAlivePeriod:       30 * time.Second,
			MaxIncomingUniStreams: 4096,
		},
		conns: make(map[string]*quic.Conn),
		inCh:  make(chan []byte, 1024),
	}

	var err error
	if t.listener, err = quic.ListenAddr(addr, GenerateTLSConfig(), t.qconf); err != nil {
		return nil, err
	}
	t.Go(t.acceptWorker)
	return t, nil
}

// Addr implements Transport.
func (t *QUICTransport) Addr() string {
	return t.listener.Addr().String()
}

// Packets implements Transport.
func (t *QUICTransport) Packets() <-chan []byte {
	return t.inCh
}

func (t *QUICTransport) acceptWorker() {
	for {
		conn, err := t.listener.Accept(t.Context())
		if err != nil {
			select {
			case <-t.HaltCh():
			default:
				t.log.Errorf("Accept failed, listener terminating: %v", err)
			}
			return
		}
		t.log.Debugf("Accepted connection from %v", conn.RemoteAddr())
		t.Go(func() { t.connWorker(conn) })
	}
}

func (t *QUICTransport) connWorker(conn *quic.Conn) {
	defer conn.CloseWithError(0, "")
	for {
		s, err := conn.AcceptUniStream(t.Context())
		if err != nil {
			return
		}
		t.Go(func() {
			buf := make([]byte, t.packetLength)
			if _, err := io.ReadFull(s, buf); err != nil {
				s.CancelRead(0)
				return
			}
			select {
			case t.inCh <- buf:
			case <-t.HaltCh():
			}
		})
	}
}

func (t *QUICTransport) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	t.Lock()
	conn, ok := t.conns[addr]
	t.Unlock()
	if ok && conn.Context().Err() == nil {
		return conn, nil
	}

	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, t.qconf)
	if err != nil {
		return nil, err
	}

	t.Lock()
	defer t.Unlock()
	if old, ok := t.conns[addr]; ok && old.Context().Err() == nil {
		// Lost a race with another sender.
		conn.CloseWithError(0, "")
		return old, nil
	}
	t.conns[addr] = conn
	return conn, nil
}

// Send implements Transport.
func (t *QUICTransport) Send(ctx context.Context, addr string, pkt []byte) error {
	if len(pkt) != t.packetLength {
		return ErrPacketSize
	}
	select {
	case <-t.HaltCh():
		return ErrClosed
	default:
	}

	conn, err := t.dial(ctx, addr)
	if err != nil {
		return err
	}
	s, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		t.Lock()
		if t.conns[addr] == conn {
			delete(t.conns, addr)
		}
		t.Unlock()
		return err
	}
	if _, err = s.Write(pkt); err != nil {
		s.CancelWrite(0)
		return err
	}
	return s.Close()
}

// Close implements Transport.
func (t *QUICTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.listener.Close()
		t.Lock()
		for addr, conn := range t.conns {
			conn.CloseWithError(0, "")
			delete(t.conns, addr)
		}
		t.Unlock()
		t.Halt()
		close(t.inCh)
	})
	return err
}

// GenerateTLSConfig returns a server TLS configuration with a fresh
// self-signed Ed25519 certificate.
func GenerateTLSConfig() *tls.Config {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		panic(err)
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{alpn}}
}
