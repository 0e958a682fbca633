package repository

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestHasProfile(t *testing.T) {
	tests := []struct {
		name                           string
		username, firstName, lastName string
		want                           bool
	}{
		{"all empty", "", "", "", false},
		{"username only", "alice", "", "", true},
		{"first name only", "", "Alice", "", true},
		{"last name only", "", "", "Smith", true},
		{"full profile", "alice", "Alice", "Smith", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hasProfile(tt.username, tt.firstName, tt.lastName))
		})
	}
}

func TestIsDuplicateEntry(t *testing.T) {
	assert.True(t, isDuplicateEntry(&mysql.MySQLError{Number: mysqlErrDuplicateEntry}))
	assert.False(t, isDuplicateEntry(&mysql.MySQLError{Number: 1054}))
	assert.False(t, isDuplicateEntry(errors.New("connection reset")))
	assert.False(t, isDuplicateEntry(nil))
}
