package address

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func key(b byte) Key {
	var k Key
	k[0] = b
	return k
}

func TestDerivationIsDeterministic(t *testing.T) {
	require.Equal(t, Book(), Book())
	require.Equal(t, Order(12, key(1)), Order(12, key(1)))
	require.Equal(t, Vault(key(2), key(1)), Vault(key(2), key(1)))
}

func TestDerivationSeparatesTags(t *testing.T) {
	asset, owner := key(2), key(1)
	require.NotEqual(t, Vault(asset, owner), VaultState(asset, owner))
	require.NotEqual(t, VaultAuthority(), Signer())
	require.NotEqual(t, Book(), VaultAuthority())
}

func TestVaultComponentsNotInterchangeable(t *testing.T) {
	require.NotEqual(t, Vault(key(1), key(2)), Vault(key(2), key(1)))
}

func TestDistinctPairsDistinctAddresses(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id1 := rapid.Uint64().Draw(t, "id1")
		id2 := rapid.Uint64().Draw(t, "id2")
		o1 := key(rapid.Byte().Draw(t, "o1"))
		o2 := key(rapid.Byte().Draw(t, "o2"))
		if id1 == id2 && o1 == o2 {
			t.Skip("same pair")
		}
		if Order(id1, o1) == Order(id2, o2) {
			t.Fatalf("collision for (%d,%s) and (%d,%s)", id1, o1, id2, o2)
		}
	})
}

func TestKeyTextRoundTrip(t *testing.T) {
	k := Vault(key(9), key(3))
	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	require.Equal(t, k, parsed)

	_, err = ParseKey("abc")
	require.ErrorIs(t, err, ErrInvalidKey)
}
