package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestParse(t *testing.T) {
	t.Parallel()

	got, err := Parse("0195A1B2-C3D4-7E5F-8A9B-0C1D2E3F4A5B")
	require.NoError(t, err)
	assert.Equal(t, "0195a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b", got)

	_, err = Parse("not-a-job")
	assert.Error(t, err)
}
