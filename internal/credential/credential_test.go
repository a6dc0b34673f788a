package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	_, err := s.Password("alice", "imap.example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetPassword("alice", "imap.example.org", "hunter2"))
	require.NoError(t, s.SetPassword("alice", "imap.example.com", "other"))

	pass, err := s.Password("alice", "imap.example.org")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pass)

	require.NoError(t, s.DeletePassword("alice", "imap.example.org"))
	_, err = s.Password("alice", "imap.example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	pass, err = s.Password("alice", "imap.example.com")
	require.NoError(t, err)
	assert.Equal(t, "other", pass)
}
