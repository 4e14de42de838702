package tlstream

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"os"
	"time"
	"tlstream/record"
	"tlstream/secctx"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Method selects the protocol versions a stream may negotiate. The Client
// and Server variants additionally restrict which role may use the config.
type Method uint8

const (
	// MethodSystemDefault negotiates whatever the security provider
	// considers reasonable.
	MethodSystemDefault Method = iota

	MethodTLSv1
	MethodTLSv1Client
	MethodTLSv1Server

	MethodTLSv11
	MethodTLSv11Client
	MethodTLSv11Server

	MethodTLSv12
	MethodTLSv12Client
	MethodTLSv12Server

	MethodTLSv13
	MethodTLSv13Client
	MethodTLSv13Server
)

func (m Method) String() string {
	version, _, _ := m.constraints()
	if m == MethodSystemDefault {
		return "system default"
	}
	name := record.Version(version).String()
	if role, ok := m.roleRestriction(); ok {
		name += " (" + role.String() + " only)"
	}
	return name
}

// constraints reports the pinned version and role restriction, if any.
func (m Method) constraints() (version uint16, role secctx.Role, restricted bool) {
	switch m {
	case MethodTLSv1, MethodTLSv1Client, MethodTLSv1Server:
		version = uint16(record.VersionTLS10)
	case MethodTLSv11, MethodTLSv11Client, MethodTLSv11Server:
		version = uint16(record.VersionTLS11)
	case MethodTLSv12, MethodTLSv12Client, MethodTLSv12Server:
		version = uint16(record.VersionTLS12)
	case MethodTLSv13, MethodTLSv13Client, MethodTLSv13Server:
		version = uint16(record.VersionTLS13)
	}

	switch m {
	case MethodTLSv1Client, MethodTLSv11Client, MethodTLSv12Client, MethodTLSv13Client:
		return version, secctx.RoleClient, true
	case MethodTLSv1Server, MethodTLSv11Server, MethodTLSv12Server, MethodTLSv13Server:
		return version, secctx.RoleServer, true
	}
	return version, 0, false
}

func (m Method) roleRestriction() (secctx.Role, bool) {
	_, role, restricted := m.constraints()
	return role, restricted
}

// Config carries the negotiation material and policy shared by streams.
// Configure it fully before handing it to streams; afterwards it is
// read-only and may be shared freely.
type Config struct {
	// Method pins the negotiable protocol version range.
	Method Method

	// VerifyPeer enables certificate verification against the configured
	// trust anchors. Off by default: every peer chain is accepted.
	VerifyPeer bool

	// ServerName is the peer identity a client expects and advertises.
	ServerName string

	// Rand sources handshake randomness. Nil means the platform CSPRNG.
	Rand io.Reader

	// HandshakeTimeout bounds the whole handshake via transport deadlines.
	// Zero means no bound.
	HandshakeTimeout time.Duration

	// CloseTimeout bounds how long Shutdown waits for the peer's close
	// notify before degrading to a transport-level close. Zero means wait
	// indefinitely.
	CloseTimeout time.Duration

	// Logger receives debug-level stream events. Nil disables logging.
	Logger *zap.Logger

	roots  *x509.CertPool
	chains []tls.Certificate
}

// AddCertificateAuthority adds a trust anchor from PEM or DER bytes.
// Malformed input yields a CertificateError with the InvalidData reason.
func (c *Config) AddCertificateAuthority(data []byte) error {
	certs, err := parseCertificates(data)
	if err != nil {
		return newCertificateError(CertInvalidData, err)
	}

	if c.roots == nil {
		c.roots = x509.NewCertPool()
	}
	for _, cert := range certs {
		c.roots.AddCert(cert)
	}
	return nil
}

// LoadVerifyFile loads trust anchors from a PEM or DER file.
func (c *Config) LoadVerifyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading trust anchor file")
	}
	return c.AddCertificateAuthority(data)
}

// UseCertificateChain adds a local serving chain from PEM-encoded
// certificate(s) and private key.
func (c *Config) UseCertificateChain(certPEM, keyPEM []byte) error {
	chain, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return newCertificateError(CertInvalidData, err)
	}
	c.chains = append(c.chains, chain)
	return nil
}

// LoadCertificateChainFile loads a serving chain from PEM files.
func (c *Config) LoadCertificateChainFile(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return errors.Wrap(err, "reading certificate file")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return errors.Wrap(err, "reading key file")
	}
	return c.UseCertificateChain(certPEM, keyPEM)
}

// credentials derives the read-only material a security context borrows.
func (c *Config) credentials(role secctx.Role) (*secctx.Credentials, error) {
	if restriction, ok := c.Method.roleRestriction(); ok && restriction != role {
		return nil, errors.Errorf("method %q is restricted to the %s role", c.Method, restriction)
	}

	creds := &secctx.Credentials{
		Chains: c.chains,
		Rand:   c.Rand,
	}
	if version, _, _ := c.Method.constraints(); version != 0 {
		creds.MinVersion, creds.MaxVersion = version, version
	}
	if role == secctx.RoleClient {
		creds.ServerName = c.ServerName
	}
	return creds, nil
}

// parseCertificates accepts one or more PEM certificate blocks, or a single
// DER certificate.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "parsing PEM certificate")
		}
		certs = append(certs, cert)
	}

	if len(certs) > 0 {
		return certs, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, errors.Wrap(err, "input is neither PEM nor DER certificate data")
	}
	return []*x509.Certificate{cert}, nil
}
