package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fmueller/voxpipe/internal/cli"
	"github.com/fmueller/voxpipe/internal/pipeline"
	"github.com/stretchr/testify/require"
)

func TestShouldPrintUsageHint(t *testing.T) {
	t.Parallel()

	require.True(t, shouldPrintUsageHint(errors.New("unknown command \"bad\" for \"voxpipe\"")))
	require.True(t, shouldPrintUsageHint(errors.New("unknown flag: --oops")))
	require.True(t, shouldPrintUsageHint(errors.New("requires at least 1 arg(s), only received 0")))
	require.True(t, shouldPrintUsageHint(errors.New(`invalid argument "x" for "--threads" flag`)))
	require.False(t, shouldPrintUsageHint(errors.New("download model \"small\": context deadline exceeded")))
	require.False(t, shouldPrintUsageHint(nil))
}

func TestHelpHintTarget(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()
	require.Equal(t, "voxpipe", helpHintTarget(root, []string{"--badflag"}))
	require.Equal(t, "voxpipe", helpHintTarget(root, []string{"badcmd"}))
	require.Equal(t, "voxpipe transcribe", helpHintTarget(root, []string{"transcribe"}))
	require.Equal(t, "voxpipe transcribe", helpHintTarget(root, []string{"transcribe", "--bogus"}))
	require.Equal(t, "voxpipe history show", helpHintTarget(root, []string{"history", "show"}))
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, exitCode(errors.New("boom")))
	require.Equal(t, exitCancelled, exitCode(fmt.Errorf("meeting.wav: %w", pipeline.ErrCancelled)))
}
