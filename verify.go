package tlstream

import (
	"crypto/x509"
	"tlstream/secctx"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// verifier decides whether a peer chain is acceptable. A disabled verifier
// accepts every chain, including self-signed ones.
type verifier struct {
	enabled bool
	roots   *x509.CertPool
	name    string // expected server identity; empty skips the check.
	clock   clock.Clock
}

func newVerifier(config *Config, role secctx.Role, clk clock.Clock) *verifier {
	v := &verifier{
		enabled: config.VerifyPeer,
		roots:   config.roots,
		clock:   clk,
	}
	if role == secctx.RoleClient {
		v.name = config.ServerName
	}
	if v.roots == nil {
		// Verification only ever trusts what was configured explicitly,
		// never the process environment.
		v.roots = x509.NewCertPool()
	}
	return v
}

func (v *verifier) verify(chain []*x509.Certificate) error {
	if !v.enabled {
		return nil
	}

	if len(chain) == 0 {
		return newCertificateError(CertInvalidData, errors.New("peer presented no certificates"))
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		DNSName:       v.name,
		CurrentTime:   v.clock.Now(),
	}

	if _, err := chain[0].Verify(opts); err != nil {
		return newCertificateError(verifyFailureReason(err), err)
	}
	return nil
}

func verifyFailureReason(err error) CertificateReason {
	switch e := err.(type) {
	case x509.UnknownAuthorityError:
		return CertUntrustedRoot
	case x509.HostnameError:
		return CertHostnameMismatch
	case x509.CertificateInvalidError:
		if e.Reason == x509.Expired {
			return CertExpired
		}
		return CertUntrustedRoot
	case x509.SystemRootsError:
		return CertUntrustedRoot
	}
	return CertUntrustedRoot
}
