package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"slices"
	"time"
)

const (
	// DefaultALPNProtocol is the ALPN protocol identifier for QUIC.
	DefaultALPNProtocol = "relaychat/1"

	// DefaultWSSubprotocol is the WebSocket subprotocol accepted by listeners.
	DefaultWSSubprotocol = "relaychat/1"

	// DefaultCertValidity is the lifetime of generated self-signed certificates.
	DefaultCertValidity = 365 * 24 * time.Hour
)

// loopbackHosts are always named in self-signed certificates.
var loopbackHosts = []string{"localhost", "127.0.0.1", "::1"}

// KeyPair is a PEM-encoded listener certificate and its private key.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// SelfSigned creates an ECDSA P-256 server certificate for host. An IP host
// becomes an IP SAN; the loopback names are always included.
func SelfSigned(host string, validFor time.Duration) (*KeyPair, error) {
	if host == "" {
		host = "localhost"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate certificate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host, Organization: []string{"relaychat"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	hosts := loopbackHosts
	if !slices.Contains(hosts, host) {
		hosts = append([]string{host}, hosts...)
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal certificate key: %w", err)
	}

	return &KeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// ReadKeyPair loads a certificate and key from PEM files and checks that
// they belong together.
func ReadKeyPair(certFile, keyFile string) (*KeyPair, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate key: %w", err)
	}
	kp := &KeyPair{CertPEM: certPEM, KeyPEM: keyPEM}
	if _, err := kp.certificate(); err != nil {
		return nil, err
	}
	return kp, nil
}

// WriteFiles saves the pair. The key file is readable by its owner only.
func (kp *KeyPair) WriteFiles(certFile, keyFile string) error {
	if err := os.WriteFile(certFile, kp.CertPEM, 0644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, kp.KeyPEM, 0600); err != nil {
		return fmt.Errorf("write certificate key: %w", err)
	}
	return nil
}

// ServerConfig returns a TLS 1.3 listener configuration offering the relay
// ALPN protocol.
func (kp *KeyPair) ServerConfig() (*tls.Config, error) {
	cert, err := kp.certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{DefaultALPNProtocol},
	}, nil
}

func (kp *KeyPair) certificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(kp.CertPEM, kp.KeyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate pair: %w", err)
	}
	return cert, nil
}

// ServerTLSConfig loads the certificate pair when both paths are set and
// otherwise generates an in-memory self-signed certificate for host.
func ServerTLSConfig(certFile, keyFile, host string) (*tls.Config, error) {
	var (
		kp  *KeyPair
		err error
	)
	switch {
	case certFile != "" && keyFile != "":
		kp, err = ReadKeyPair(certFile, keyFile)
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("both certificate and key files are required")
	default:
		kp, err = SelfSigned(host, DefaultCertValidity)
	}
	if err != nil {
		return nil, err
	}
	return kp.ServerConfig()
}

// prepareTLSConfigForDial clones tlsConfig with the given ALPN protocols, or
// creates an unverified config when none is provided.
func prepareTLSConfigForDial(tlsConfig *tls.Config, nextProtos []string) *tls.Config {
	if tlsConfig == nil {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         nextProtos,
			MinVersion:         tls.VersionTLS13,
		}
	}

	cfg := tlsConfig.Clone()
	cfg.NextProtos = nextProtos
	return cfg
}
