package ufs

import (
	"testing"

	"github.com/ansel1/merry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/objstore/store"
)

func TestParseLine(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	opt, err := ParseLine("/var/cache 100")
	require.NoError(t, err)
	assert.Equal("/var/cache", opt.Path)
	assert.EqualValues(100<<20, opt.MaxSize)
	assert.Zero(opt.L1)
	assert.False(opt.ReadOnly)

	_, err = ParseLine("/c 10 8 64 min-size=100 max-size=4096 policy=heap\tGDSF read-only")
	require.Error(t, err, "policy value cannot contain spaces")

	opt, err = ParseLine("/c 10 8 64 min-size=100 max-size=4096 policy=lru read-only")
	require.NoError(t, err)
	assert.Equal(8, opt.L1)
	assert.Equal(64, opt.L2)
	assert.EqualValues(100, opt.MinObjectSize)
	assert.EqualValues(4096, opt.MaxObjectSize)
	assert.Equal("lru", opt.Policy)
	assert.True(opt.ReadOnly)

	opt, err = ParseLine("/c 10 policy=heap:LFUDA")
	require.NoError(t, err)
	assert.Equal("heap LFUDA", opt.Policy)

	opt, err = ParseLine("/c 10 read-only")
	require.NoError(t, err)
	assert.True(opt.ReadOnly)
	assert.Zero(opt.L1)
}

func TestParseLineRejects(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"",
		"/c",
		"/c zero",
		"/c 0",
		"/c 10 0 256",
		"/c 10 16 x",
		"/c 10 min-size=-1",
		"/c 10 max-size=big",
		"/c 10 min-size=10 max-size=10",
		"/c 10 compress",
		"/c 10 read-only=yes",
	} {
		_, err := ParseLine(line)
		if assert.Error(t, err, line) {
			assert.True(t, merry.Is(err, store.ErrBadConfig), line)
		}
	}
}
