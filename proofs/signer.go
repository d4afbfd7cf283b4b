package proofs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"paylock/models"
)

// ErrEmptyKey is returned when a signer is constructed without key material.
var ErrEmptyKey = errors.New("proofs: signing key must not be empty")

// ErrBadSignature is returned when a signature does not match the canonical
// input under the configured key.
var ErrBadSignature = errors.New("proofs: signature mismatch")

// Signer produces and checks tamper-evident MACs over proof records. The
// same primitive signs completion certificates assembled from multiple
// proofs.
type Signer struct {
	key []byte
}

// NewSigner constructs a signer from the supplied secret key.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

// CanonicalInput builds the deterministic string a proof signature covers:
// owner, type, reference and creation timestamp joined by colons.
func CanonicalInput(proof *models.ProofOfBuild) string {
	if proof == nil {
		return ""
	}
	return strings.Join([]string{
		proof.OwnerID.String(),
		string(proof.Type),
		proof.Reference,
		strconv.FormatInt(proof.CreatedAt.UTC().Unix(), 10),
	}, ":")
}

// SignProof computes the MAC over the proof's canonical input and stores
// both on the record.
func (s *Signer) SignProof(proof *models.ProofOfBuild) error {
	if proof == nil {
		return errors.New("proofs: nil proof")
	}
	input := CanonicalInput(proof)
	proof.SignedInput = input
	proof.Signature = s.sign([]byte(input))
	return nil
}

// VerifyProof recomputes the MAC over the stored canonical input and compares
// it in constant time against the stored signature.
func (s *Signer) VerifyProof(proof *models.ProofOfBuild) error {
	if proof == nil {
		return errors.New("proofs: nil proof")
	}
	expected := s.sign([]byte(proof.SignedInput))
	if !hmac.Equal([]byte(expected), []byte(proof.Signature)) {
		return ErrBadSignature
	}
	return nil
}

// Certificate is a signed attestation covering a set of verified proofs.
type Certificate struct {
	ProjectID uuid.UUID   `json:"project_id"`
	ProofIDs  []uuid.UUID `json:"proof_ids"`
	IssuedAt  time.Time   `json:"issued_at"`
	Signature string      `json:"signature"`
}

// SignCertificate issues a certificate over the supplied proof identifiers.
// The identifiers are sorted before signing so the signature is independent
// of caller ordering.
func (s *Signer) SignCertificate(projectID uuid.UUID, proofIDs []uuid.UUID, issuedAt time.Time) (Certificate, error) {
	if len(proofIDs) == 0 {
		return Certificate{}, errors.New("proofs: certificate requires at least one proof")
	}
	ids := append([]uuid.UUID(nil), proofIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	cert := Certificate{
		ProjectID: projectID,
		ProofIDs:  ids,
		IssuedAt:  issuedAt.UTC(),
	}
	cert.Signature = s.sign([]byte(certificateInput(cert)))
	return cert, nil
}

// VerifyCertificate checks the certificate signature.
func (s *Signer) VerifyCertificate(cert Certificate) error {
	expected := s.sign([]byte(certificateInput(cert)))
	if !hmac.Equal([]byte(expected), []byte(cert.Signature)) {
		return ErrBadSignature
	}
	return nil
}

func certificateInput(cert Certificate) string {
	parts := make([]string, 0, len(cert.ProofIDs)+2)
	parts = append(parts, cert.ProjectID.String())
	for _, id := range cert.ProofIDs {
		parts = append(parts, id.String())
	}
	parts = append(parts, strconv.FormatInt(cert.IssuedAt.UTC().Unix(), 10))
	return strings.Join(parts, ":")
}

func (s *Signer) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
