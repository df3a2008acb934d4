package lob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
)

func TestRefRoundTrip(t *testing.T) {
	refs := []Ref{
		{},
		{Space: 1, Page: 2, Offset: lobHeaderOffset, Flags: FlagOwner.WithLength(100)},
		{Space: 0xFFFFFFFF, Page: basic.FilNull - 1, Offset: 7, Flags: LenFlags(MaxLength) | FlagOwner | FlagInherited | FlagBeingModified},
		{Space: 9, Page: 0, Flags: FlagInherited.WithLength(1)},
	}
	for _, r := range refs {
		got, err := Decode(r.Encode())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}

	_, err := Decode(make([]byte, RefSize-1))
	assert.ErrorIs(t, err, basic.ErrInvalidArgument)
}

func TestLenFlags(t *testing.T) {
	f := FlagOwner.WithLength(MaxLength)
	assert.Equal(t, MaxLength, f.Length())
	assert.True(t, f.Has(FlagOwner))
	assert.False(t, f.Has(FlagInherited))

	f = f.Set(FlagBeingModified, true).WithLength(5)
	assert.Equal(t, 5, f.Length())
	assert.True(t, f.Has(FlagBeingModified))
	assert.True(t, f.Has(FlagOwner))

	f = f.Set(FlagOwner, false)
	assert.False(t, f.Has(FlagOwner))
	assert.Equal(t, 5, f.Length())
}

func TestRefStates(t *testing.T) {
	var null Ref
	assert.True(t, null.IsNull())
	assert.False(t, null.IsFreed())

	r := Ref{Space: 1, Page: 3, Flags: FlagOwner.WithLength(10)}
	assert.True(t, r.IsOwner())
	disowned := r.SetOwner(false)
	assert.False(t, disowned.IsOwner())
	assert.True(t, r.IsOwner(), "SetOwner returns a copy")
	assert.True(t, r.SameChain(disowned))

	freed := r
	freed.Page = basic.FilNull
	assert.True(t, freed.IsFreed())
	assert.False(t, freed.SameChain(r))
}
