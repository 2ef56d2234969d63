package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/api"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/archive"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/gate"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/keyring"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/store"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"sigmaguard"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// isolate points every persistent path at a temp dir and clears overrides
// that could leak in from the environment.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SIGMA_DATABASE_URL", filepath.Join(dir, "sigmaguard.db"))
	t.Setenv("SIGMA_ARCHIVE_DIR", filepath.Join(dir, "archive"))
	t.Setenv("SIGMA_ARCHIVE_KIND", "file")
	t.Setenv("SIGMA_LOG_LEVEL", "error")
	for _, k := range []string{"DATABASE_URL", "REDIS_URL", "SIGMA_REDIS_ADDR", "SIGMA_CACHE_SLOW_TIER", "SIGMA_CONFIG", keyring.MasterKeyFileEnvVar} {
		t.Setenv(k, "")
	}
	t.Setenv(keyring.MasterKeyEnvVar, testMasterKey)
	return dir
}

func seedLedger(t *testing.T, dir string, n int) {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := store.OpenDB(ctx, filepath.Join(dir, "sigmaguard.db"))
	require.NoError(t, err)
	defer db.Close()

	log := store.NewSQLLog(db, dialect, ledgerLogName)
	require.NoError(t, log.Init(ctx))
	l, err := ledger.Open(ctx, log)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err := l.Append(ctx, ledger.EventDispatchSuccess, map[string]int{"n": i}, ledger.DecisionAdmit)
		require.NoError(t, err)
	}
}

func TestRun_VersionAndHelp(t *testing.T) {
	code, out, _ := run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "sigmaguard "+Version)

	code, out, _ = run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "COMMANDS:")
	assert.Contains(t, out, "archive")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")

	code, _, _ = run()
	assert.Equal(t, 2, code)
}

func writeMetrics(t *testing.T, m gate.Metrics) string {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestGateCmd(t *testing.T) {
	isolate(t)
	good := gate.Metrics{Rho: 0.5, ECE: 0.005, RhoBias: 1.0, DeltaLInf: 0.02, CostDelta: 0.05, Consent: true, EcoOK: true}

	code, out, errOut := run("gate", "--metrics", writeMetrics(t, good))
	require.Equal(t, 0, code, errOut)
	var v gate.Verdict
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Passed)

	bad := good
	bad.Consent = false
	code, out, _ = run("gate", "--metrics", writeMetrics(t, bad))
	assert.Equal(t, 1, code)
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, []string{"consent"}, v.FailedChecks)
}

func TestGateCmd_BadInput(t *testing.T) {
	isolate(t)
	code, _, errOut := run("gate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--metrics is required")

	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rho": 0.5, "surprise": 1}`), 0o600))
	code, _, errOut = run("gate", "--metrics", path)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "parse metrics")
}

func TestVerifyCmd(t *testing.T) {
	dir := isolate(t)
	seedLedger(t, dir, 3)

	code, out, errOut := run("verify", "--json")
	require.Equal(t, 0, code, errOut)
	var rep ledger.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.EqualValues(t, 3, rep.Entries)
	assert.True(t, rep.Valid())

	code, out, _ = run("verify")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "ledger OK: 3 entries")
}

func TestVerifyCmd_Tampered(t *testing.T) {
	dir := isolate(t)
	seedLedger(t, dir, 3)

	ctx := context.Background()
	db, _, err := store.OpenDB(ctx, filepath.Join(dir, "sigmaguard.db"))
	require.NoError(t, err)
	res, err := db.ExecContext(ctx,
		`UPDATE append_log SET data = CAST(replace(CAST(data AS TEXT), '"n":2', '"n":7') AS BLOB) WHERE log_name = $1`,
		ledgerLogName)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.NotZero(t, n)
	require.NoError(t, db.Close())

	code, out, _ := run("verify")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "ledger BROKEN at entry 2")
}

func TestVerifyCmd_DeletedEntry(t *testing.T) {
	dir := isolate(t)
	seedLedger(t, dir, 4)

	ctx := context.Background()
	db, _, err := store.OpenDB(ctx, filepath.Join(dir, "sigmaguard.db"))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM append_log WHERE log_name = $1 AND seq = $2`, ledgerLogName, 1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	code, out, errOut := run("verify", "--json")
	assert.Equal(t, 1, code, errOut)
	var rep ledger.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.EqualValues(t, 2, rep.FirstBad)
	assert.False(t, rep.Valid())
}

func TestArchiveCmd(t *testing.T) {
	dir := isolate(t)
	seedLedger(t, dir, 4)

	code, out, errOut := run("archive")
	require.Equal(t, 0, code, errOut)
	var rcpt archive.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &rcpt))
	assert.EqualValues(t, 1, rcpt.From)
	assert.EqualValues(t, 4, rcpt.To)
	assert.False(t, rcpt.Existed)

	_, err := os.Stat(filepath.Join(dir, "archive", rcpt.Key))
	require.NoError(t, err)

	code, out, _ = run("archive")
	require.Equal(t, 0, code)
	require.NoError(t, json.Unmarshal([]byte(out), &rcpt))
	assert.True(t, rcpt.Existed)
}

func TestArchiveCmd_RequiresMasterKey(t *testing.T) {
	dir := isolate(t)
	seedLedger(t, dir, 1)
	t.Setenv(keyring.MasterKeyEnvVar, "")

	code, _, errOut := run("archive")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "persistent master key")
}

func TestTokenCmd(t *testing.T) {
	isolate(t)
	code, out, errOut := run("token", "--sub", "ops", "--scopes", "read,admit")
	require.Equal(t, 0, code, errOut)

	k, err := keyring.FromEnv()
	require.NoError(t, err)
	secret, err := k.Derive(keyring.PurposeAPIToken)
	require.NoError(t, err)
	auth, err := api.NewAuthenticator(secret)
	require.NoError(t, err)

	claims, err := auth.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.HasScope(api.ScopeAdmit))
	assert.False(t, claims.HasScope(api.ScopeDispatch))

	code, _, _ = run("token")
	assert.Equal(t, 2, code)
}
