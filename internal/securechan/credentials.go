package securechan

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// Mode is the security classification of an established channel.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeUntrusted
	ModeSelfSigned
	ModeTrusted
)

func (m Mode) String() string {
	switch m {
	case ModeUntrusted:
		return "untrusted"
	case ModeSelfSigned:
		return "self_signed"
	case ModeTrusted:
		return "trusted"
	default:
		return "unknown"
	}
}

// Credentials is the key material a channel is initialised with. A server
// without Chain runs anonymous; a client only needs Roots.
type Credentials struct {
	// Chain is the DER certificate chain, leaf first.
	Chain [][]byte
	Key   ed25519.PrivateKey
	Roots *x509.CertPool
	// Suites in preference order. Empty means DefaultSuites.
	Suites []Suite
}

func (c *Credentials) suites() []Suite {
	if c == nil || len(c.Suites) == 0 {
		return DefaultSuites
	}
	return c.Suites
}

func (c *Credentials) roots() *x509.CertPool {
	if c == nil {
		return nil
	}
	return c.Roots
}

func (c *Credentials) validate() error {
	if c == nil || len(c.Chain) == 0 {
		return nil
	}
	leaf, err := x509.ParseCertificate(c.Chain[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentials, err)
	}
	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: leaf key is %T, want ed25519", ErrCredentials, leaf.PublicKey)
	}
	if len(c.Key) != ed25519.PrivateKeySize || !pub.Equal(c.Key.Public()) {
		return fmt.Errorf("%w: private key does not match leaf", ErrCredentials)
	}
	return nil
}

// LoadCredentials reads PEM files. Any path may be empty.
func LoadCredentials(certFile, keyFile, rootsFile string) (*Credentials, error) {
	creds := &Credentials{}
	if strings.TrimSpace(certFile) != "" {
		blocks, err := readPEM(certFile, "CERTIFICATE")
		if err != nil {
			return nil, err
		}
		creds.Chain = blocks
	}
	if strings.TrimSpace(keyFile) != "" {
		blocks, err := readPEM(keyFile, "PRIVATE KEY")
		if err != nil {
			return nil, err
		}
		key, err := x509.ParsePKCS8PrivateKey(blocks[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCredentials, keyFile, err)
		}
		edKey, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s: key is %T, want ed25519", ErrCredentials, keyFile, key)
		}
		creds.Key = edKey
	}
	if strings.TrimSpace(rootsFile) != "" {
		data, err := os.ReadFile(rootsFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrCredentials, rootsFile)
		}
		creds.Roots = pool
	}
	if len(creds.Chain) > 0 && creds.Key == nil {
		return nil, fmt.Errorf("%w: certificate without key", ErrCredentials)
	}
	if err := creds.validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

func readPEM(path, blockType string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == blockType {
			out = append(out, block.Bytes)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no %s block in %s", ErrCredentials, blockType, path)
	}
	return out, nil
}

// parseChain returns the leaf and the intermediates of a DER chain.
func parseChain(chain [][]byte) (*x509.Certificate, *x509.CertPool, error) {
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("%w: empty chain", ErrBadCertificate)
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	inter := x509.NewCertPool()
	for _, der := range chain[1:] {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
		}
		inter.AddCert(c)
	}
	return leaf, inter, nil
}

// Classify maps a presented chain to a Mode: no chain is untrusted, a
// chain that verifies against roots is trusted, anything else is
// self-signed.
func Classify(chain [][]byte, roots *x509.CertPool) (Mode, error) {
	if len(chain) == 0 {
		return ModeUntrusted, nil
	}
	leaf, inter, err := parseChain(chain)
	if err != nil {
		return ModeUnknown, err
	}
	if roots == nil {
		return ModeSelfSigned, nil
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return ModeSelfSigned, nil
	}
	return ModeTrusted, nil
}
