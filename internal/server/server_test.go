package server

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/maild/internal/config"
)

// testTLSConfig generates a self-signed certificate for loopback tests.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// writeTestKeyPair writes a self-signed certificate and key as PEM files.
func writeTestKeyPair(t *testing.T, certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadTLSConfigRestrictsCipherSuites(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	writeTestKeyPair(t, certFile, keyFile)

	cfg, err := LoadTLSConfig(config.TLSConfig{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("LoadTLSConfig() error: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %#x, want TLS 1.2", cfg.MinVersion)
	}
	if len(cfg.CipherSuites) == 0 {
		t.Fatal("no cipher suites configured, default list includes CBC suites")
	}

	names := make(map[uint16]string)
	for _, s := range tls.CipherSuites() {
		names[s.ID] = s.Name
	}
	for _, id := range cfg.CipherSuites {
		name, ok := names[id]
		if !ok {
			t.Errorf("suite %#x is not in the secure suite list", id)
			continue
		}
		if !strings.HasPrefix(name, "TLS_ECDHE_") {
			t.Errorf("suite %s lacks forward secrecy", name)
		}
		if !strings.Contains(name, "_GCM_") && !strings.Contains(name, "_CHACHA20_") {
			t.Errorf("suite %s is not AEAD", name)
		}
	}
}

func TestNewRequiresTLSForImplicitModes(t *testing.T) {
	cfg := config.Default()
	_, err := New(&cfg, Options{
		Protocol: "pop3",
		Listeners: []config.ListenerConfig{
			{Address: ":995", Mode: config.ModePop3s},
		},
	})
	if err == nil {
		t.Error("expected error for implicit TLS listener without TLS config")
	}
}

func TestServerRunAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Timeouts.Grace = "1s"

	srv, err := New(&cfg, Options{
		Protocol: "smtp",
		Listeners: []config.ListenerConfig{
			{Address: "127.0.0.1:0", Mode: config.ModeSmtp},
		},
		Handler: func(ctx context.Context, conn *Connection) {
			conn.Writer().WriteString("220 ready\r\n")
			conn.Flush()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	// Wait for the listener to come up.
	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" {
		srv.mu.Lock()
		if len(srv.listeners) > 0 && srv.listeners[0].Addr() != nil {
			addr = srv.listeners[0].Addr().String()
		}
		srv.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	conn.Close()
	if err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	if !strings.HasPrefix(line, "220") {
		t.Errorf("greeting = %q", line)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestImplicitTLSListener(t *testing.T) {
	tlsCfg := testTLSConfig(t)

	l := NewListener(ListenerConfig{
		Address:   "127.0.0.1:0",
		Mode:      config.ModePop3s,
		Protocol:  "pop3",
		TLSConfig: tlsCfg,
		Handler: func(ctx context.Context, conn *Connection) {
			if !conn.IsTLS() {
				conn.Writer().WriteString("-ERR not TLS\r\n")
			} else {
				conn.Writer().WriteString("+OK maild ready\r\n")
			}
			conn.Flush()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for l.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn, err := tls.Dial("tcp", l.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("TLS dial: %v", err)
	}
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	if !strings.HasPrefix(line, "+OK") {
		t.Errorf("greeting = %q", line)
	}
}

func TestConnectionUpgradeToTLS(t *testing.T) {
	tlsCfg := testTLSConfig(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		conn := NewConnection(raw, ConnectionConfig{})
		defer conn.Close()

		conn.Writer().WriteString("+OK begin TLS\r\n")
		conn.Flush()

		if err := conn.UpgradeToTLS(context.Background(), tlsCfg); err != nil {
			serverDone <- err
			return
		}
		if !conn.IsTLS() {
			serverDone <- errors.New("connection not TLS after upgrade")
			return
		}
		conn.Writer().WriteString("+OK hello over TLS\r\n")
		serverDone <- conn.Flush()
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	br := bufio.NewReader(raw)
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("reading pre-TLS line: %v", err)
	}

	tlsConn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	line, err := bufio.NewReader(tlsConn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading post-TLS line: %v", err)
	}
	if !strings.Contains(line, "over TLS") {
		t.Errorf("post-TLS line = %q", line)
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server side: %v", err)
	}
}
