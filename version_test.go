package pgfast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFromSuffix(t *testing.T) {
	assert.Equal(t, KindPython, kindFromSuffix("py"))
	assert.Equal(t, KindSQL, kindFromSuffix("sql"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "sql", KindSQL.String())
	assert.Equal(t, "python", KindPython.String())
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "up", DirectionUp.String())
	assert.Equal(t, "down", DirectionDown.String())
}

func TestMigrationCandidatePattern(t *testing.T) {
	m := migrationCandidatePattern.FindStringSubmatch("20250101000000_create_users_up.sql")
	if assert.NotNil(t, m) {
		assert.Equal(t, "20250101000000", m[1])
		assert.Equal(t, "create_users", m[2])
		assert.Equal(t, "up", m[3])
		assert.Equal(t, "sql", m[4])
	}

	assert.Nil(t, migrationCandidatePattern.FindStringSubmatch("20250101000000_fixture_data_fixture.sql"))
	assert.Nil(t, migrationCandidatePattern.FindStringSubmatch("README.md"))
}
