package proofs

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"paylock/models"
)

func TestNewSignerRequiresKey(t *testing.T) {
	_, err := NewSigner(nil)
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestSignAndVerifyProof(t *testing.T) {
	signer, err := NewSigner([]byte("test-secret"))
	require.NoError(t, err)

	proof := &models.ProofOfBuild{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		ProjectID: uuid.New(),
		Type:      models.ProofTypeCommit,
		Reference: "github.com/acme/widget@deadbeef",
		CreatedAt: time.Unix(1700000000, 0),
	}
	require.NoError(t, signer.SignProof(proof))
	require.NotEmpty(t, proof.Signature)
	require.Contains(t, proof.SignedInput, proof.Reference)

	require.NoError(t, signer.VerifyProof(proof))
}

func TestVerifyProofDetectsTampering(t *testing.T) {
	signer, err := NewSigner([]byte("test-secret"))
	require.NoError(t, err)

	proof := &models.ProofOfBuild{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Type:      models.ProofTypeFile,
		Reference: "artifacts/build.tar.gz",
		CreatedAt: time.Unix(1700000000, 0),
	}
	require.NoError(t, signer.SignProof(proof))

	tampered := *proof
	tampered.SignedInput = proof.SignedInput + "x"
	require.ErrorIs(t, signer.VerifyProof(&tampered), ErrBadSignature)

	other, err := NewSigner([]byte("other-secret"))
	require.NoError(t, err)
	require.ErrorIs(t, other.VerifyProof(proof), ErrBadSignature)
}

func TestCertificateSignatureOrderIndependent(t *testing.T) {
	signer, err := NewSigner([]byte("test-secret"))
	require.NoError(t, err)

	projectID := uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	issued := time.Unix(1700000000, 0)

	first, err := signer.SignCertificate(projectID, []uuid.UUID{a, b, c}, issued)
	require.NoError(t, err)
	second, err := signer.SignCertificate(projectID, []uuid.UUID{c, a, b}, issued)
	require.NoError(t, err)

	require.Equal(t, first.Signature, second.Signature)
	require.NoError(t, signer.VerifyCertificate(first))

	first.ProofIDs = first.ProofIDs[:2]
	require.ErrorIs(t, signer.VerifyCertificate(first), ErrBadSignature)
}

func TestCertificateRequiresProofs(t *testing.T) {
	signer, err := NewSigner([]byte("test-secret"))
	require.NoError(t, err)
	_, err = signer.SignCertificate(uuid.New(), nil, time.Now())
	require.Error(t, err)
}
