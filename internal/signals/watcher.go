// Package signals polls the selector CSV and emits unread, fresh,
// filter-passing signals to the trade engine.
package signals

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ElJoseRuiz/gestiona-trades/pkg/config"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
)

const (
	timeLayout = "2006/01/02 15:04:05"
	bomMark    = "\ufeff"
)

// AcceptFunc delivers a signal to the engine; it returns true when the engine
// admitted the signal. Only accepted rows are marked leido=si — rejected ones
// stay unread and are retried until they go stale.
type AcceptFunc func(sig db.Signal) bool

// Watcher re-reads the CSV whenever its modification time changes and flips
// the leido column by atomic rewrite. The selector process only appends rows
// and the watcher only flips leido, so concurrent writers cannot corrupt each
// other beyond a lost update, which the next poll repairs.
type Watcher struct {
	cfg       *config.Config
	log       *logrus.Logger
	accept    AcceptFunc
	lastMtime time.Time
	now       func() time.Time
}

// NewWatcher creates a watcher delivering to accept.
func NewWatcher(cfg *config.Config, log *logrus.Logger, accept AcceptFunc) *Watcher {
	return &Watcher{cfg: cfg, log: log, accept: accept, now: time.Now}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.Signals.PollIntervalSeconds * float64(time.Second))
	w.log.Infof("signal watcher started: %s (poll every %s)", w.cfg.Signals.FilePath, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("signal watcher stopped")
			return
		case <-ticker.C:
			if err := w.Poll(); err != nil {
				w.log.WithError(err).Error("signal poll failed")
			}
		}
	}
}

// Poll performs one scan of the CSV if it changed since the previous scan.
func (w *Watcher) Poll() error {
	path := w.cfg.Signals.FilePath
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.ModTime().After(w.lastMtime) {
		return nil
	}
	w.lastMtime = info.ModTime()

	f, err := parseFile(path)
	if err != nil {
		return err
	}

	updates := w.scan(f)
	if len(updates) == 0 {
		return nil
	}
	return rewrite(path, updates)
}

// rowKey identifies a row across a concurrent append by the selector.
type rowKey struct {
	fechaHora string
	pair      string
	rank      string
}

// scan walks unread rows, applies freshness and strategy filters, delivers
// survivors to the engine and decides the new leido value per row.
func (w *Watcher) scan(f *csvFile) map[rowKey]string {
	now := w.now().UTC()
	maxAge := time.Duration(w.cfg.Signals.MaxSignalAgeMinutes * float64(time.Minute))
	updates := make(map[rowKey]string)

	for _, row := range f.rows {
		if strings.ToLower(row.get("leido")) != "no" {
			continue
		}
		key := row.key()

		sig, err := parseSignal(row)
		if err != nil {
			w.log.WithError(err).Warnf("signal row discarded: %s", key.pair)
			updates[key] = "si"
			continue
		}

		if age := now.Sub(sig.Time); age > maxAge {
			w.log.Infof("signal %s expired (%.1f min old)", sig.Pair, age.Minutes())
			updates[key] = "timeout"
			continue
		}
		if sig.Rank > w.cfg.Strategy.TopN {
			updates[key] = "si"
			continue
		}
		if reason := w.filterReason(sig); reason != "" {
			w.log.Infof("signal %s discarded (%s)", sig.Pair, reason)
			updates[key] = "si"
			continue
		}

		if w.accept(sig) {
			w.log.Infof("signal accepted: %s rank=%d mom_1h=%.2f%% vol=%.1f tr=%.1f Q%d",
				sig.Pair, sig.Rank, sig.Mom1hPct, sig.VolRatio, sig.TradesRatio, sig.Quintile)
			updates[key] = "si"
		}
		// Engine rejections leave the row unread; it is retried next poll
		// until capacity frees up or the signal goes stale.
	}
	return updates
}

func (w *Watcher) filterReason(sig db.Signal) string {
	s := w.cfg.Strategy
	if sig.Mom1hPct < s.MinMomentumPct {
		return fmt.Sprintf("mom_1h_pct=%.2f < %.2f", sig.Mom1hPct, s.MinMomentumPct)
	}
	if s.MinVolRatio > 0 && sig.VolRatio < s.MinVolRatio {
		return fmt.Sprintf("vol_ratio=%.2f < %.2f", sig.VolRatio, s.MinVolRatio)
	}
	if s.MinTradesRatio > 0 && sig.TradesRatio < s.MinTradesRatio {
		return fmt.Sprintf("trades_ratio=%.2f < %.2f", sig.TradesRatio, s.MinTradesRatio)
	}
	if sig.Quintile != 0 && !contains(s.AllowedQuintiles, sig.Quintile) {
		return fmt.Sprintf("quintil=%d not allowed", sig.Quintile)
	}
	return ""
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// ----------------------------------------
// CSV parsing and atomic rewrite
// ----------------------------------------

// knownColumns map onto Signal fields; everything else is preserved in Extra
// and carried through to signal_data.
var knownColumns = map[string]bool{
	"fecha_hora": true, "pair": true, "par": true, "rank": true, "top": true,
	"close": true, "mom_1h_pct": true, "mom_pct": true,
	"vol_ratio": true, "trades_ratio": true, "quintil": true, "leido": true,
}

type csvRow struct {
	file    *csvFile
	lineIdx int
	cells   []string
}

type csvFile struct {
	lines    []string // raw lines with endings stripped
	endings  []string // per-line original terminator
	bom      bool
	headers  []string
	colIdx   map[string]int
	leidoIdx int
	rows     []csvRow
}

func (r csvRow) cell(i int) string {
	if i < 0 || i >= len(r.cells) {
		return ""
	}
	return strings.TrimSpace(r.cells[i])
}

// get returns the trimmed cell under the named header. The selector has
// written pair/rank as par/top historically; both spellings are accepted.
func (r csvRow) get(name string) string {
	switch name {
	case "pair":
		if v := r.cell(r.file.column("pair")); v != "" {
			return v
		}
		return r.cell(r.file.column("par"))
	case "rank":
		if v := r.cell(r.file.column("rank")); v != "" {
			return v
		}
		return r.cell(r.file.column("top"))
	}
	return r.cell(r.file.column(name))
}

func (r csvRow) key() rowKey {
	return rowKey{fechaHora: r.get("fecha_hora"), pair: r.get("pair"), rank: r.get("rank")}
}

func (r csvRow) extras() map[string]string {
	var out map[string]string
	for i, h := range r.file.headers {
		if knownColumns[h] || h == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[h] = r.cell(i)
	}
	return out
}

func (f *csvFile) column(name string) int {
	if i, ok := f.colIdx[name]; ok {
		return i
	}
	return -1
}

func parseFile(path string) (*csvFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := &csvFile{colIdx: map[string]int{}, leidoIdx: -1}
	text := string(raw)
	if strings.HasPrefix(text, bomMark) {
		f.bom = true
		text = strings.TrimPrefix(text, bomMark)
	}

	for len(text) > 0 {
		nl := strings.IndexByte(text, '\n')
		var line, ending string
		if nl < 0 {
			line, ending, text = text, "", ""
		} else {
			line, text = text[:nl], text[nl+1:]
			ending = "\n"
			if strings.HasSuffix(line, "\r") {
				line = strings.TrimSuffix(line, "\r")
				ending = "\r\n"
			}
		}
		f.lines = append(f.lines, line)
		f.endings = append(f.endings, ending)
	}
	if len(f.lines) == 0 {
		return f, nil
	}

	for i, h := range strings.Split(f.lines[0], ",") {
		name := strings.TrimSpace(h)
		f.headers = append(f.headers, name)
		f.colIdx[name] = i
		if name == "leido" {
			f.leidoIdx = i
		}
	}

	for i := 1; i < len(f.lines); i++ {
		if strings.TrimSpace(f.lines[i]) == "" {
			continue
		}
		f.rows = append(f.rows, csvRow{file: f, lineIdx: i, cells: strings.Split(f.lines[i], ",")})
	}
	return f, nil
}

// rewrite re-reads the file, flips the leido cell of the rows whose key still
// matches, and atomically replaces the file (temp file in the same directory,
// then rename). Rows that vanished under a concurrent selector rewrite are
// skipped.
func rewrite(path string, updates map[rowKey]string) error {
	current, err := parseFile(path)
	if err != nil {
		return err
	}
	if current.leidoIdx < 0 {
		return fmt.Errorf("csv %s has no leido column", path)
	}

	applied := 0
	for _, row := range current.rows {
		newVal, ok := updates[row.key()]
		if !ok || current.leidoIdx >= len(row.cells) {
			continue
		}
		row.cells[current.leidoIdx] = newVal
		current.lines[row.lineIdx] = strings.Join(row.cells, ",")
		applied++
	}
	if applied == 0 {
		return nil
	}

	var sb strings.Builder
	if current.bom {
		sb.WriteString(bomMark)
	}
	for i, line := range current.lines {
		sb.WriteString(line)
		sb.WriteString(current.endings[i])
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func parseSignal(row csvRow) (db.Signal, error) {
	fechaHora := row.get("fecha_hora")
	ts, err := time.ParseInLocation(timeLayout, fechaHora, time.UTC)
	if err != nil {
		return db.Signal{}, fmt.Errorf("invalid timestamp %q: %w", fechaHora, err)
	}

	pair := row.get("pair")
	if pair == "" {
		return db.Signal{}, fmt.Errorf("row has no pair")
	}

	rank, err := strconv.Atoi(row.get("rank"))
	if err != nil {
		return db.Signal{}, fmt.Errorf("invalid rank %q: %w", row.get("rank"), err)
	}

	quintil, _ := strconv.ParseFloat(row.get("quintil"), 64)

	return db.Signal{
		FechaHora:   fechaHora,
		Time:        ts,
		Pair:        pair,
		Rank:        rank,
		Close:       parseFloatCell(row.get("close")),
		Mom1hPct:    parseFloatCell(row.get("mom_1h_pct")),
		MomPct:      parseFloatCell(row.get("mom_pct")),
		VolRatio:    parseFloatCell(row.get("vol_ratio")),
		TradesRatio: parseFloatCell(row.get("trades_ratio")),
		Quintile:    int(quintil),
		Extra:       row.extras(),
	}, nil
}

func parseFloatCell(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
