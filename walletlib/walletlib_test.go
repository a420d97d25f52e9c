package walletlib_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/internal/testutil"
	"github.com/0ceanSlim/nutengine/walletlib"
)

const mintURL = "https://mint.example.com"

func TestCreateOutputsDeterministic(t *testing.T) {
	lib := walletlib.NewSecp256k1Library([]byte("seed"))

	derivedA, msgsA, err := lib.CreateOutputs(mintURL, testutil.TestKeysetID, 5, []uint64{4, 8})
	require.NoError(t, err)
	derivedB, msgsB, err := lib.CreateOutputs(mintURL, testutil.TestKeysetID, 5, []uint64{4, 8})
	require.NoError(t, err)

	require.Equal(t, msgsA, msgsB)
	require.Len(t, derivedA, 2)
	require.Equal(t, derivedA[0].Secret, derivedB[0].Secret)
	require.EqualValues(t, 5, msgsA[0].Counter)
	require.EqualValues(t, 6, msgsA[1].Counter)
}

func TestConstructProofsRoundTrip(t *testing.T) {
	key := testutil.NewMintKey()
	keyset := testutil.NewKeyset(mintURL, key)
	lib := walletlib.NewSecp256k1Library([]byte("seed"))

	derived, msgs, err := lib.CreateOutputs(mintURL, keyset.ID, 0, []uint64{2, 16})
	require.NoError(t, err)

	sigs := make(cashu.BlindedSignatures, len(msgs))
	for i, msg := range msgs {
		sig, err := testutil.BlindSign(key, msg)
		require.NoError(t, err)
		sigs[i] = sig
	}

	proofs, err := lib.ConstructProofs(sigs, derived, keyset, mintURL)
	require.NoError(t, err)
	require.Len(t, proofs, 2)
	for i, p := range proofs {
		require.Equal(t, mintURL, p.MintURL)
		require.Equal(t, keyset.ID, p.KeysetID)
		require.Equal(t, msgs[i].Amount, p.Amount)
		require.Equal(t, derived[i].Secret, p.Secret)
		require.Equal(t, cashu.ProofReady, p.State)
		require.NotEmpty(t, p.UnblindedPoint)
	}
}

func TestConstructProofsRejectsCountMismatch(t *testing.T) {
	key := testutil.NewMintKey()
	keyset := testutil.NewKeyset(mintURL, key)
	lib := walletlib.NewSecp256k1Library([]byte("seed"))

	derived, msgs, err := lib.CreateOutputs(mintURL, keyset.ID, 0, []uint64{2, 16})
	require.NoError(t, err)

	sig, err := testutil.BlindSign(key, msgs[0])
	require.NoError(t, err)

	_, err = lib.ConstructProofs(cashu.BlindedSignatures{sig}, derived, keyset, mintURL)
	require.ErrorIs(t, err, cashu.ErrProofValidation)
}

func TestProofYStableHex(t *testing.T) {
	lib := walletlib.NewSecp256k1Library([]byte("seed"))
	a, err := lib.ProofY([]byte("secret"))
	require.NoError(t, err)
	b, err := lib.ProofY([]byte("secret"))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 66) // compressed point hex
}
