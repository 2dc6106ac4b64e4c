package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand_RejectsWrongArgCount(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"only-one-arg"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	require.Error(t, err)
}

func TestNewRootCommand_DefaultTimeoutIsThirtySeconds(t *testing.T) {
	cmd := newRootCommand()
	f := cmd.Flags().Lookup("timeout")
	require.NotNil(t, f)
	assert.Equal(t, (30 * time.Second).String(), f.DefValue)
}

func TestNewRootCommand_HasVersionSubcommand(t *testing.T) {
	cmd := newRootCommand()
	found := false
	for _, c := range cmd.Commands() {
		if c.Name() == "version" {
			found = true
		}
	}
	assert.True(t, found)
}
