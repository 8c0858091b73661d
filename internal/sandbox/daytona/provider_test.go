package daytona

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/common/config"
	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/sandbox"
)

func TestShellJoin(t *testing.T) {
	cases := []struct {
		name string
		cmd  []string
		want string
	}{
		{
			"plain args stay bare",
			[]string{"git", "push", "-u", "origin", "main"},
			"git push -u origin main",
		},
		{
			"spaces and semicolons are quoted",
			[]string{"git", "commit", "-m", "Add retry; fix tests"},
			`git commit -m 'Add retry; fix tests'`,
		},
		{
			"single quotes survive",
			[]string{"sh", "-c", "echo 'hello'"},
			`sh -c 'echo '\''hello'\'''`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, shellJoin(tc.cmd))
		})
	}
}

func TestExecQuotesCommandVector(t *testing.T) {
	var got execRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(execResponse{ExitCode: 0, Result: "done"})
	}))
	defer srv.Close()

	p := New(config.SandboxProviderConfig{APIURL: srv.URL, APIToken: "tok"}, logger.Default())
	h := &sandbox.Handle{TaskID: "t1", Ref: "sb1"}

	result, err := p.Exec(context.Background(), h, sandbox.ExecSpec{
		WorkDir: "/workspace/repo",
		Command: []string{"npx", "-y", "@anthropic-ai/claude-code", "--print", "add a 'login' page; then test"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, `npx -y @anthropic-ai/claude-code --print 'add a '\''login'\'' page; then test'`, got.Command)
}
