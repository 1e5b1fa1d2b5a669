// Package certstore implements the file-backed certificate directory: one
// PEM chain per known peer email, named "<email>.pem".
package certstore

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vifino/pantosmime/internal/smimecrypto"
)

// ErrCertDirMissing is returned by Load when the per-email PEM file does
// not exist.
var ErrCertDirMissing = errors.New("certstore: no certificate file for email")

// ErrInvalidEmail is returned when an email cannot be safely mapped to a
// path inside the store's directory.
var ErrInvalidEmail = errors.New("certstore: invalid email")

// Store is a directory of <email>.pem files.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. dir is not created; it must already
// exist.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) pathFor(email string) (string, error) {
	if email == "" || strings.ContainsAny(email, "/\\") {
		return "", ErrInvalidEmail
	}
	name := email + ".pem"
	path := filepath.Join(s.dir, name)
	if filepath.Base(path) != name {
		return "", ErrInvalidEmail
	}
	return path, nil
}

// Load returns the certificate chain stored for email. It returns
// ErrCertDirMissing if the file does not exist, and
// smimecrypto.ErrNoCertForEmail-wrapping errors if the file exists but
// contains no parseable certificate.
func (s *Store) Load(email string) ([]*x509.Certificate, error) {
	path, err := s.pathFor(email)
	if err != nil {
		return nil, err
	}
	chain, err := smimecrypto.LoadPEMStack(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCertDirMissing, email)
		}
		return nil, fmt.Errorf("certstore: %s: %w", email, err)
	}
	return chain, nil
}

// Save writes chain to <dir>/<email>.pem, creating or truncating it.
func (s *Store) Save(email string, chain []*x509.Certificate) error {
	path, err := s.pathFor(email)
	if err != nil {
		return err
	}
	return smimecrypto.WritePEMStack(chain, path)
}
