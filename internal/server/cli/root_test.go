package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/dmitrijs2005/fieldsync/internal/server/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestToken_IssuesVerifiableToken(t *testing.T) {
	out, err := run(t, "token", "owner-1", "--secret", "s3cret", "--token-validity", "1h")
	require.NoError(t, err)

	tok := strings.TrimSpace(out)
	id, err := auth.GetUserIDFromToken(tok, []byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "owner-1", id)

	_, err = auth.GetUserIDFromToken(tok, []byte("other"))
	assert.Error(t, err)
}

func TestToken_RequiresOwner(t *testing.T) {
	_, err := run(t, "token")
	assert.Error(t, err)
}

func TestToken_InvalidConfig(t *testing.T) {
	_, err := run(t, "token", "owner-1", "--token-validity", "0s")
	assert.Error(t, err)
}

func TestRoot_ListsCommands(t *testing.T) {
	cmd := NewRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "token"})
}
