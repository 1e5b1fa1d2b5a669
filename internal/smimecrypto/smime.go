// Package smimecrypto implements the cryptographic surface of the daemon:
// CMS enveloped-data production for outbound encryption, PKCS#7
// signed-data certificate extraction for inbound signature harvesting,
// email-to-certificate matching, and the PEM chain codec used by the
// certificate store.
package smimecrypto

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.mozilla.org/pkcs7"
)

// ErrNoCertForEmail is returned by FindCertForEmail when no certificate in
// the chain matches the requested email.
var ErrNoCertForEmail = errors.New("smimecrypto: no certificate matches email")

// ErrNotSignedData is returned by ExtractCertificates when the parsed
// PKCS#7 structure carries no SignerInfos, i.e. is not a signedData blob.
var ErrNotSignedData = errors.New("smimecrypto: not a PKCS#7 signedData structure")

// emailAddressOID is the RDN attribute type for PKCS#9 emailAddress,
// carried in some certificates' Subject DN instead of (or in addition to)
// the SAN extension.
var emailAddressOID = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

func init() {
	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES256CBC
}

// Encrypt produces a CMS enveloped-data structure encrypting plaintext
// under AES-256-CBC, keyed to each of recipients' public keys, and returns
// its DER encoding.
func Encrypt(plaintext []byte, recipients []*x509.Certificate) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, errors.New("smimecrypto: no recipient certificates")
	}
	der, err := pkcs7.Encrypt(plaintext, recipients)
	if err != nil {
		return nil, fmt.Errorf("smimecrypto: encrypt: %w", err)
	}
	return der, nil
}

// ExtractCertificates parses der as a PKCS#7 signedData structure and
// returns its embedded certificate set in insertion order. It does not
// verify the enclosed signature.
func ExtractCertificates(der []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("smimecrypto: parse pkcs7: %w", err)
	}
	if len(p7.Signers) == 0 {
		return nil, ErrNotSignedData
	}
	return p7.Certificates, nil
}

// FindCertForEmail scans chain in order and returns the first certificate
// matching email, ASCII-case-insensitively, by either SAN rfc822Name or
// the Subject DN's emailAddress/CN attribute. Chain order decides ties:
// a certificate earlier in chain wins regardless of which of the two
// match kinds it matched by.
func FindCertForEmail(chain []*x509.Certificate, email string) (*x509.Certificate, error) {
	for _, cert := range chain {
		if certMatchesEmail(cert, email) {
			return cert, nil
		}
	}
	return nil, ErrNoCertForEmail
}

func certMatchesEmail(cert *x509.Certificate, email string) bool {
	for _, san := range cert.EmailAddresses {
		if strings.EqualFold(san, email) {
			return true
		}
	}
	return subjectDNMatchesEmail(cert.Subject, email)
}

func subjectDNMatchesEmail(subject pkix.Name, email string) bool {
	if strings.EqualFold(subject.CommonName, email) {
		return true
	}
	for _, atv := range subject.Names {
		if !atv.Type.Equal(emailAddressOID) {
			continue
		}
		if s, ok := atv.Value.(string); ok && strings.EqualFold(s, email) {
			return true
		}
	}
	return false
}

// WritePEMStack creates or truncates path and writes each certificate in
// chain as a PEM CERTIFICATE block, in order.
func WritePEMStack(chain []*x509.Certificate, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("smimecrypto: open %s: %w", path, err)
	}
	defer f.Close()
	for _, cert := range chain {
		block := &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}
		if err := pem.Encode(f, block); err != nil {
			return fmt.Errorf("smimecrypto: write %s: %w", path, err)
		}
	}
	return nil
}

// LoadPEMStack reads path and parses it as a concatenation of PEM
// CERTIFICATE blocks.
func LoadPEMStack(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePEMStack(data)
}

// ParsePEMStack parses data as a concatenation of PEM CERTIFICATE blocks.
func ParsePEMStack(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := data
	for len(rest) > 0 {
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
			return nil, fmt.Errorf("smimecrypto: parse certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no certificates found in PEM data", ErrNoCertForEmail)
	}
	return chain, nil
}
