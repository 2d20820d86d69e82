// Package reports writes periodic stake snapshots for offline analysis.
package reports

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"yieldfarm/native/farming"
	"yieldfarm/observability/metrics"
)

const (
	runDirLayout = "20060102T150405Z"
	farmPageSize = 100
)

// Source exposes the engine views a snapshot reads.
type Source interface {
	ListFarms(from, limit uint64) ([]*farming.FarmView, error)
	PendingRewards(account string, farmID uint64) ([]string, error)
}

// StakeLister enumerates every stored stake.
type StakeLister interface {
	AllStakes() ([]*farming.Stake, error)
}

// Row is one stake in a snapshot.
type Row struct {
	FarmID       uint64
	Account      string
	StakingAsset string
	Amount       string
	LockupEndSec uint64
	RewardAssets []string
	Accrued      []string
	Pending      []string
}

// Snapshotter writes stakes.csv and stakes.parquet under a timestamped
// directory and keeps the newest Retain runs.
type Snapshotter struct {
	source Source
	stakes StakeLister
	dir    string
	retain int
	logger *slog.Logger
	now    func() time.Time
}

func NewSnapshotter(source Source, stakes StakeLister, dir string, retain int, logger *slog.Logger) (*Snapshotter, error) {
	if source == nil || stakes == nil {
		return nil, errors.New("reports: source and stake lister are required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("reports: output directory required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{source: source, stakes: stakes, dir: dir, retain: retain, logger: logger, now: time.Now}, nil
}

// Collect gathers one row per stake, ordered by farm then account.
func (s *Snapshotter) Collect(ctx context.Context) ([]Row, error) {
	farms := make(map[uint64]*farming.FarmView)
	for from := uint64(0); ; from += farmPageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.source.ListFarms(from, farmPageSize)
		if err != nil {
			return nil, fmt.Errorf("reports: list farms: %w", err)
		}
		for _, farm := range page {
			farms[farm.FarmID] = farm
		}
		if len(page) < farmPageSize {
			break
		}
	}
	stakes, err := s.stakes.AllStakes()
	if err != nil {
		return nil, fmt.Errorf("reports: list stakes: %w", err)
	}
	rows := make([]Row, 0, len(stakes))
	for _, stake := range stakes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		view := farming.NewStakeView(stake)
		row := Row{
			FarmID:       view.FarmID,
			Account:      view.Account,
			Amount:       view.Amount,
			LockupEndSec: view.LockupEndSec,
			Accrued:      view.AccruedRewards,
		}
		if farm, ok := farms[stake.FarmID]; ok {
			row.StakingAsset = farm.StakingToken
			row.RewardAssets = farm.RewardTokens
		}
		pending, err := s.source.PendingRewards(stake.Account, stake.FarmID)
		if err != nil {
			return nil, fmt.Errorf("reports: pending rewards for %s in farm %d: %w", stake.Account, stake.FarmID, err)
		}
		row.Pending = pending
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].FarmID != rows[j].FarmID {
			return rows[i].FarmID < rows[j].FarmID
		}
		return rows[i].Account < rows[j].Account
	})
	return rows, nil
}

// Run writes one snapshot and prunes old runs. It returns the run directory.
func (s *Snapshotter) Run(ctx context.Context) (string, error) {
	rows, err := s.Collect(ctx)
	if err != nil {
		return "", err
	}
	runDir := filepath.Join(s.dir, s.now().UTC().Format(runDirLayout))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("reports: create run dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "stakes.csv")
	err = writeCSV(csvPath, rows)
	metrics.Farming().ObserveSnapshot("csv", err)
	if err != nil {
		return "", err
	}
	parquetPath := filepath.Join(runDir, "stakes.parquet")
	err = writeParquet(parquetPath, rows)
	metrics.Farming().ObserveSnapshot("parquet", err)
	if err != nil {
		return "", err
	}
	s.logger.Info("wrote stake snapshot", slog.String("dir", runDir), slog.Int("rows", len(rows)))
	if err := s.prune(); err != nil {
		s.logger.Warn("prune snapshots", slog.Any("error", err))
	}
	return runDir, nil
}

func (s *Snapshotter) prune() error {
	if s.retain <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var runs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(runDirLayout, entry.Name()); err != nil {
			continue
		}
		runs = append(runs, entry.Name())
	}
	if len(runs) <= s.retain {
		return nil
	}
	sort.Strings(runs)
	for _, name := range runs[:len(runs)-s.retain] {
		if err := os.RemoveAll(filepath.Join(s.dir, name)); err != nil {
			return err
		}
	}
	return nil
}

var csvHeader = []string{
	"farm_id", "account", "staking_asset", "amount", "lockup_end_sec", "reward_assets", "accrued", "pending",
}

func writeCSV(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reports: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("reports: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.FarmID, 10),
			row.Account,
			row.StakingAsset,
			row.Amount,
			strconv.FormatUint(row.LockupEndSec, 10),
			strings.Join(row.RewardAssets, ";"),
			strings.Join(row.Accrued, ";"),
			strings.Join(row.Pending, ";"),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("reports: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("reports: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	FarmID       int64  `parquet:"name=farm_id, type=INT64"`
	Account      string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	StakingAsset string `parquet:"name=staking_asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount       string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	LockupEndSec int64  `parquet:"name=lockup_end_sec, type=INT64"`
	RewardAssets string `parquet:"name=reward_assets, type=BYTE_ARRAY, convertedtype=UTF8"`
	Accrued      string `parquet:"name=accrued, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pending      string `parquet:"name=pending, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("reports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			FarmID:       int64(row.FarmID),
			Account:      row.Account,
			StakingAsset: row.StakingAsset,
			Amount:       row.Amount,
			LockupEndSec: int64(row.LockupEndSec),
			RewardAssets: strings.Join(row.RewardAssets, ";"),
			Accrued:      strings.Join(row.Accrued, ";"),
			Pending:      strings.Join(row.Pending, ";"),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("reports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("reports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("reports: close parquet file: %w", err)
	}
	return nil
}
