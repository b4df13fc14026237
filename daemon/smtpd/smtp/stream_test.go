package smtp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

func pipeStreams(t *testing.T) (server *Stream, client net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	return NewStream(serverConn, 5 * time.Second), clientConn
}

func TestStreamReadLine(t *testing.T) {
	server, client := pipeStreams(t)
	defer client.Close()
	go client.Write([]byte("EHLO there\r\n"))

	line, err := server.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != "EHLO there" {
		t.Fatalf("line = %q", line)
	}
}

func TestStreamReadDotBytes(t *testing.T) {
	server, client := pipeStreams(t)
	defer client.Close()
	go client.Write([]byte("Subject: hi\r\n\r\nbody\r\n.\r\n"))

	data, err := server.ReadDotBytes(1024)
	if err != nil {
		t.Fatalf("ReadDotBytes: %v", err)
	}
	want := "Subject: hi\r\n\r\nbody\r\n"
	if string(data) != want {
		t.Fatalf("data = %q, want %q", data, want)
	}
}

func TestStreamReadDotBytesOverLimit(t *testing.T) {
	server, client := pipeStreams(t)
	defer client.Close()
	go client.Write([]byte("this body is way over the tiny limit\r\n.\r\n"))

	_, err := server.ReadDotBytes(5)
	if err != errMessageTooLarge {
		t.Fatalf("err = %v, want errMessageTooLarge", err)
	}
}

func TestStreamWriteLine(t *testing.T) {
	server, client := pipeStreams(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- server.WriteLine("250 %s OK", "hi") }()

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if string(buf[:n]) != "250 hi OK\r\n" {
		t.Fatalf("wrote %q", buf[:n])
	}
}

func generateTestCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mail.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestStreamUpgrade(t *testing.T) {
	server, client := pipeStreams(t)
	defer client.Close()

	cert := generateTestCertificate(t)
	serverConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientConfig := &tls.Config{InsecureSkipVerify: true}

	done := make(chan error, 1)
	go func() { done <- server.Upgrade(serverConfig) }()

	clientTLS := tls.Client(client, clientConfig)
	if err := clientTLS.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server Upgrade: %v", err)
	}
	if !server.TLSActive() {
		t.Fatal("expected TLSActive after successful upgrade")
	}
}
