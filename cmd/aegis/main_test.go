package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "verify")
}

func TestVerifyEmptyChainIsValid(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "verify", "-chain", "global"}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "valid")
}

func TestEvaluateAgainstSQLiteLedger(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "aegis.yaml")
	doc := "ledger:\n  backend: sqlite\n  dsn: " + filepath.Join(dir, "ledger.db") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o600))

	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "evaluate",
		"-config", cfgPath,
		"-actor", "alice", "-tenant", "acme", "-role", "employee",
		"-capability", "EXPORT_REPORT"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), `"decision"`)

	// The decision landed in the durable chain.
	var statsOut bytes.Buffer
	code = Run([]string{"aegis", "stats", "-config", cfgPath, "-chain", "tenant_acme"}, &statsOut, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, statsOut.String(), `"entries": 1`)
}

func TestEvaluateRequiresActorAndCapability(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "evaluate"}, &out, &errOut)
	assert.Equal(t, 2, code)
}
