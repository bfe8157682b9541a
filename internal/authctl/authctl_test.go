package authctl

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/server/passwords"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func TestRun_Hash(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Run([]string{"-i", "1000", "hash"}, strings.NewReader("hunter22\n"), &out))

	stored := lastLine(out.String())
	assert.True(t, strings.HasPrefix(stored, "1000."), stored)

	ok, upgrade, err := passwords.NewHasher(1000).Verify(stored, "hunter22")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, upgrade)
}

func TestRun_HashEmptyPassword(t *testing.T) {
	var out bytes.Buffer
	err := Run([]string{"hash"}, strings.NewReader("\n"), &out)
	assert.ErrorIs(t, err, common.ErrorValidation)
}

func TestRun_Verify(t *testing.T) {
	stored, err := passwords.NewHasher(1000).Hash("hunter22")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Run([]string{"-i", "1000", "verify", stored}, strings.NewReader("hunter22"), &out))
	assert.Equal(t, "ok", lastLine(out.String()))

	out.Reset()
	require.NoError(t, Run([]string{"-i", "2000", "verify", stored}, strings.NewReader("hunter22\n"), &out))
	assert.Equal(t, "ok (rehash at 2000 iterations)", lastLine(out.String()))

	out.Reset()
	err = Run([]string{"-i", "1000", "verify", stored}, strings.NewReader("wrong\n"), &out)
	assert.ErrorIs(t, err, ErrMismatch)

	out.Reset()
	err = Run([]string{"verify", "not-a-hash"}, strings.NewReader("hunter22\n"), &out)
	assert.ErrorIs(t, err, common.ErrorCryptoFormat)
}

func TestRun_Usage(t *testing.T) {
	tests := [][]string{
		nil,
		{"verify"},
		{"hash", "extra"},
		{"bogus"},
		{"-i"},
	}
	for _, args := range tests {
		var out bytes.Buffer
		if err := Run(args, strings.NewReader("x\n"), &out); err == nil {
			t.Fatalf("Run(%v) expected error", args)
		}
	}
}

type fakeTTY struct{ *strings.Reader }

func (fakeTTY) Fd() uintptr { return 0 }

func TestGetPassword_Terminal(t *testing.T) {
	oldRead, oldTerm := readPassword, isTerminal
	defer func() { readPassword, isTerminal = oldRead, oldTerm }()
	isTerminal = func(int) bool { return true }
	readPassword = func(int) ([]byte, error) { return []byte("from-tty"), nil }

	var out bytes.Buffer
	pw, err := getPassword(fakeTTY{strings.NewReader("ignored\n")}, &out)
	require.NoError(t, err)
	assert.Equal(t, "from-tty", string(pw))
	assert.Contains(t, out.String(), "Enter password: ")

	readPassword = func(int) ([]byte, error) { return nil, errors.New("boom") }
	_, err = getPassword(fakeTTY{strings.NewReader("")}, &out)
	assert.Error(t, err)
}

func TestGetPassword_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	_, err := getPassword(strings.NewReader(""), &out)
	assert.Error(t, err)
}
