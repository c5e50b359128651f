package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	s, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	sig, err := s.Sign([]byte("abc"))
	require.NoError(t, err)

	ok, err := Verify(s.PublicKey(), sig, []byte("abc"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(s.PublicKey(), sig, []byte("abd"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsBadHex(t *testing.T) {
	_, err := Verify("zz", "00", []byte("x"))
	assert.Error(t, err)

	s, _ := NewEd25519Signer("key-1")
	_, err = Verify(s.PublicKey(), "not-hex", []byte("x"))
	assert.Error(t, err)
}

func TestKeyringVerify(t *testing.T) {
	s, err := NewEd25519Signer("arbiter-1")
	require.NoError(t, err)

	kr := NewKeyring()
	require.NoError(t, kr.Register("arbiter-1", s.PublicKey()))

	sig, err := s.Sign([]byte("verdict"))
	require.NoError(t, err)

	ok, err := kr.Verify("arbiter-1", sig, []byte("verdict"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyringUnknownSigner(t *testing.T) {
	kr := NewKeyring()
	_, err := kr.Verify("ghost", "00", []byte("x"))
	assert.ErrorIs(t, err, ErrSignerUnknown)
}

func TestKeyringReRegister(t *testing.T) {
	a, _ := NewEd25519Signer("k")
	b, _ := NewEd25519Signer("k")

	kr := NewKeyring()
	require.NoError(t, kr.Register("k", a.PublicKey()))
	assert.NoError(t, kr.Register("k", a.PublicKey()))
	assert.Error(t, kr.Register("k", b.PublicKey()))
}
