// Package trust identifies the manager application by the signing
// certificate of its package.
package trust

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint identifies a signer. Size is the length of the canonical
// signer certificate and Hash its lowercase hex SHA-256.
type Fingerprint struct {
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%d:%s", f.Size, f.Hash)
}

// IsZero reports whether no fingerprint has been configured.
func (f Fingerprint) IsZero() bool {
	return f.Size == 0 && f.Hash == ""
}

// Result is the outcome of Verify.
type Result int

const (
	Untrusted Result = iota
	Trusted
)

func (r Result) String() string {
	if r == Trusted {
		return "trusted"
	}
	return "untrusted"
}

// Compute fingerprints a raw certificate.
func Compute(cert []byte) Fingerprint {
	sum := sha256.Sum256(cert)
	return Fingerprint{Size: int64(len(cert)), Hash: hex.EncodeToString(sum[:])}
}

// FingerprintFile fingerprints the package at path. It fails with
// SignatureError when the package carries no recognized signer block.
func FingerprintFile(path string) (Fingerprint, error) {
	cert, _, err := SignerCertificate(path)
	if err != nil {
		return Fingerprint{}, err
	}
	return Compute(cert), nil
}

// Verify compares fp with expected. Size and digest must both match; a
// mismatch is a normal Untrusted outcome, not an error.
func Verify(fp, expected Fingerprint) Result {
	if expected.IsZero() || fp.Size != expected.Size {
		return Untrusted
	}
	got := []byte(strings.ToLower(fp.Hash))
	want := []byte(strings.ToLower(expected.Hash))
	if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
		return Untrusted
	}
	return Trusted
}
