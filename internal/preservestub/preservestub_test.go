package preservestub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fieldSet map[string]bool

func (f fieldSet) ShouldSet(field string) bool { return f[field] }

func TestNoneSetsNothing(t *testing.T) {
	p := AsMetadataPolicy(None{})
	assert.False(t, p.Owner())
	assert.False(t, p.Group())
	assert.False(t, p.Mode())
	assert.False(t, p.Times())
}

func TestAsMetadataPolicyMapsFieldNames(t *testing.T) {
	p := AsMetadataPolicy(fieldSet{"uid": true, "mode": true})
	assert.True(t, p.Owner())
	assert.False(t, p.Group())
	assert.True(t, p.Mode())
	assert.False(t, p.Times())
}

func TestAsMetadataPolicyNilPassthrough(t *testing.T) {
	assert.Nil(t, AsMetadataPolicy(nil))
}
