package pgfast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumDeterministic(t *testing.T) {
	a := Checksum([]byte("CREATE TABLE users();"), []byte("DROP TABLE users;"))
	b := Checksum([]byte("CREATE TABLE users();"), []byte("DROP TABLE users;"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestChecksumSeparatorPreventsCollision(t *testing.T) {
	a := Checksum([]byte("AB"), []byte("C"))
	b := Checksum([]byte("A"), []byte("BC"))
	assert.NotEqual(t, a, b)
}

func TestChecksumSensitiveToContent(t *testing.T) {
	a := Checksum([]byte("up v1"), []byte("down v1"))
	b := Checksum([]byte("up v2"), []byte("down v1"))
	assert.NotEqual(t, a, b)
}
