package signals

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElJoseRuiz/gestiona-trades/pkg/config"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
)

const csvHeader = "fecha_hora,par,top,close,mom_1h_pct,mom_pct,vol_ratio,trades_ratio,quintil,extra_col,leido"

func testWatcherConfig(path string) *config.Config {
	cfg := &config.Config{}
	cfg.Signals.FilePath = path
	cfg.Signals.PollIntervalSeconds = 1
	cfg.Signals.MaxSignalAgeMinutes = 10
	cfg.Strategy.TopN = 2
	cfg.Strategy.MinMomentumPct = 1
	cfg.Strategy.MinVolRatio = 0
	cfg.Strategy.MinTradesRatio = 0
	cfg.Strategy.AllowedQuintiles = []int{1, 2, 3, 4, 5}
	return cfg
}

func writeCSV(t *testing.T, dir string, rows ...string) string {
	t.Helper()
	path := filepath.Join(dir, "fut_pares_short.csv")
	content := csvHeader + "\r\n" + strings.Join(rows, "\r\n") + "\r\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func row(ts, pair string, rank int, mom float64, leido string) string {
	return strings.Join([]string{
		ts, pair, strconv.Itoa(rank), "1.234", strconv.FormatFloat(mom, 'f', -1, 64),
		"3.0", "2.5", "1.8", "3", "keepme", leido,
	}, ",")
}

func freshTS(t *testing.T) string {
	t.Helper()
	return time.Now().UTC().Add(-1 * time.Minute).Format(timeLayout)
}

func staleTS(t *testing.T) string {
	t.Helper()
	return time.Now().UTC().Add(-30 * time.Minute).Format(timeLayout)
}

func newTestWatcher(t *testing.T, path string, accept AcceptFunc) *Watcher {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewWatcher(testWatcherConfig(path), log, accept)
}

func readLeido(t *testing.T, path, pair string) string {
	t.Helper()
	f, err := parseFile(path)
	require.NoError(t, err)
	for _, r := range f.rows {
		if r.get("pair") == pair {
			return r.get("leido")
		}
	}
	t.Fatalf("pair %s not found in csv", pair)
	return ""
}

func TestAcceptedSignalIsMarkedRead(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, row(freshTS(t), "AUSDT", 1, 5.5, "no"))

	var got []db.Signal
	w := newTestWatcher(t, path, func(sig db.Signal) bool {
		got = append(got, sig)
		return true
	})
	require.NoError(t, w.Poll())

	require.Len(t, got, 1)
	assert.Equal(t, "AUSDT", got[0].Pair)
	assert.Equal(t, 1, got[0].Rank)
	assert.InDelta(t, 5.5, got[0].Mom1hPct, 1e-9)
	assert.Equal(t, map[string]string{"extra_col": "keepme"}, got[0].Extra)
	assert.Equal(t, "si", readLeido(t, path, "AUSDT"))
}

func TestStaleSignalMarkedTimeoutNotRead(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, row(staleTS(t), "AUSDT", 1, 5.5, "no"))

	delivered := 0
	w := newTestWatcher(t, path, func(db.Signal) bool { delivered++; return true })
	require.NoError(t, w.Poll())

	assert.Zero(t, delivered, "stale signals never reach the engine")
	assert.Equal(t, "timeout", readLeido(t, path, "AUSDT"))
}

func TestEngineRejectionLeavesRowUnread(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, row(freshTS(t), "AUSDT", 1, 5.5, "no"))

	w := newTestWatcher(t, path, func(db.Signal) bool { return false })
	require.NoError(t, w.Poll())

	assert.Equal(t, "no", readLeido(t, path, "AUSDT"), "rejected rows are retried later")
}

func TestFilterFailuresAreConsumed(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir,
		row(freshTS(t), "LOWMOM", 1, 0, "no"), // mom 0 < min 1
		row(freshTS(t), "DEEPRANK", 3, 5.5, "no"), // rank 3 > top_n 2
	)

	delivered := 0
	w := newTestWatcher(t, path, func(db.Signal) bool { delivered++; return true })
	require.NoError(t, w.Poll())

	assert.Zero(t, delivered)
	assert.Equal(t, "si", readLeido(t, path, "LOWMOM"))
	assert.Equal(t, "si", readLeido(t, path, "DEEPRANK"))
}

func TestAlreadyReadRowsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, row(freshTS(t), "AUSDT", 1, 5.5, "si"))

	delivered := 0
	w := newTestWatcher(t, path, func(db.Signal) bool { delivered++; return true })
	require.NoError(t, w.Poll())
	assert.Zero(t, delivered)
}

func TestRewritePreservesUnknownColumnsAndEndings(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, row(freshTS(t), "AUSDT", 1, 5.5, "no"))

	w := newTestWatcher(t, path, func(db.Signal) bool { return true })
	require.NoError(t, w.Poll())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "keepme", "unknown columns survive the rewrite")
	assert.Contains(t, string(raw), "\r\n", "line endings survive the rewrite")
	assert.True(t, strings.HasPrefix(string(raw), csvHeader), "header untouched")
}

func TestUnchangedMtimeSkipsRescan(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, row(freshTS(t), "AUSDT", 1, 5.5, "no"))

	calls := 0
	w := newTestWatcher(t, path, func(db.Signal) bool { calls++; return false })
	require.NoError(t, w.Poll())
	require.Equal(t, 1, calls)

	// Second poll without a file change does not re-deliver.
	require.NoError(t, w.Poll())
	assert.Equal(t, 1, calls)
}

func TestVanishedRowSkippedOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, row(freshTS(t), "AUSDT", 1, 5.5, "no"))

	f, err := parseFile(path)
	require.NoError(t, err)
	updates := w2updates(f)

	// The selector rewrote the file before our update landed.
	writeCSV(t, dir, row(freshTS(t), "OTHERUSDT", 1, 5.5, "no"))
	require.NoError(t, rewrite(path, updates))
	assert.Equal(t, "no", readLeido(t, path, "OTHERUSDT"))
}

func w2updates(f *csvFile) map[rowKey]string {
	out := make(map[rowKey]string)
	for _, r := range f.rows {
		out[r.key()] = "si"
	}
	return out
}

func TestBOMHeaderHandled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.csv")
	content := "\xef\xbb\xbf" + csvHeader + "\n" + row(freshTS(t), "AUSDT", 1, 5.5, "no") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	delivered := 0
	w := newTestWatcher(t, path, func(db.Signal) bool { delivered++; return true })
	require.NoError(t, w.Poll())
	assert.Equal(t, 1, delivered)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "\xef\xbb\xbf"), "BOM preserved")
}
