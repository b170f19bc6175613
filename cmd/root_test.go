package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"reconcile", "return", "rollback", "cleanup", "batches", "exceptions", "history", "audit", "migrate", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "salesrecon", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)

	flag := rootCmd.PersistentFlags().Lookup("output")
	require.NotNil(t, flag)
	assert.Equal(t, "table", flag.DefValue)
	assert.Equal(t, "o", flag.Shorthand)
}

func TestReconcileCommand_Flags(t *testing.T) {
	for _, name := range []string{"file", "ftp", "batch-id", "encoding", "dry-run"} {
		assert.NotNil(t, reconcileCmd.Flags().Lookup(name), "reconcile should have --%s flag", name)
	}
}

func TestReturnCommand_RequiredFlags(t *testing.T) {
	for _, name := range []string{"tax-id", "family", "volume"} {
		flag := returnCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "return should have --%s flag", name)
		assert.Equal(t, []string{"true"}, flag.Annotations["cobra_annotation_bash_completion_one_required_flag"])
	}
}

func TestRollbackCommand_Args(t *testing.T) {
	assert.Error(t, rollbackCmd.Args(rollbackCmd, nil))
	assert.NoError(t, rollbackCmd.Args(rollbackCmd, []string{"BATCH_20250101_000000_abcdef"}))
	flag := rollbackCmd.Flags().Lookup("force")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestExceptionsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range exceptionsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["resolve"])
	assert.Error(t, exceptionsResolveCmd.Args(exceptionsResolveCmd, []string{"1"}))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}
