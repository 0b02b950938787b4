package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	info, ok := Lookup("ETH")
	assert.True(t, ok)
	assert.Equal(t, int64(1), info.ChainID)

	info, ok = Lookup(" base ")
	assert.True(t, ok)
	assert.Equal(t, int64(8453), info.ChainID)

	_, ok = Lookup("solana")
	assert.False(t, ok)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		in       string
		want     ID
		fellBack bool
	}{
		{"eth", "eth", false},
		{"arbitrum", "arbitrum", false},
		{"", Default, false},
		{"dogecoin", Default, true},
	}
	for _, tt := range tests {
		info, fellBack := Resolve(tt.in)
		assert.Equal(t, tt.want, info.ID, "input %q", tt.in)
		assert.Equal(t, tt.fellBack, fellBack, "input %q", tt.in)
	}
}

func TestAllSortedAndComplete(t *testing.T) {
	ids := All()
	assert.Len(t, ids, len(supported))
	for i := 1; i < len(ids); i++ {
		assert.Less(t, string(ids[i-1]), string(ids[i]))
	}
	assert.True(t, IsSupported("polygon"))
	assert.False(t, IsSupported("tron"))
}
