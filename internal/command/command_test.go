package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCapturesStdout(t *testing.T) {
	res, err := Exec{}.Run(context.Background(), t.TempDir(), "sh", "-c", "echo hello; echo warn >&2")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecNonZeroExit(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), "", "sh", "-c", "echo partial; echo boom >&2; exit 3")
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, []string{"sh", "-c", "echo partial; echo boom >&2; exit 3"}, cmdErr.Command)
	assert.Contains(t, err.Error(), "failed with exit code 3.")
	assert.Contains(t, err.Error(), "Stderr: boom")
	assert.Contains(t, err.Error(), "Stdout: partial")
	assert.False(t, strings.Contains(cmdErr.Summary(), "\n"))
}

func TestExecMissingProgram(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), "", "fixline-definitely-not-a-binary")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, -1, cmdErr.ExitCode)
	assert.Contains(t, err.Error(), "Cause:")
}
