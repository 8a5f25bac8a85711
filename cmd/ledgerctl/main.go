package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"lp-rebalance-bot/internal/access"
	"lp-rebalance-bot/internal/config"
	"lp-rebalance-bot/internal/exec"
	"lp-rebalance-bot/internal/fixedpoint"
	"lp-rebalance-bot/internal/ledger"
	"lp-rebalance-bot/internal/logging"
	"lp-rebalance-bot/internal/oracle"
	"lp-rebalance-bot/internal/state/sqlite"

	"github.com/holiman/uint256"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dbPath := flag.String("db", "", "sqlite path, overrides state.sqlite_path")
	flag.Parse()

	sqlitePath := *dbPath
	logCfg := config.LoggingConfig{Level: "warn"}
	if sqlitePath == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		sqlitePath = cfg.State.SQLitePath
	}
	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()

	store, err := sqlite.New(sqlitePath)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	acl := access.NewACL()
	local := oracle.NewLocalSource(time.Now)
	led, err := ledger.New(store, local, local, acl, log)
	if err != nil {
		fatal(err)
	}
	if err := led.Load(ctx); err != nil {
		fatal(fmt.Errorf("load ledger: %w", err))
	}
	executor := exec.New(nil, store, acl, log)
	if err := executor.Load(ctx); err != nil {
		fatal(fmt.Errorf("load positions: %w", err))
	}

	printLevels(led)
	printPending(led)
	printPositions(led, executor)
	printStuck(executor)
	log.Debug("state printed", zap.String("db", sqlitePath))
}

func printLevels(led *ledger.Ledger) {
	now := time.Now()
	percents := led.LevelPercents()
	thresholds := led.Thresholds()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Pool", "Mode", "Level", "Tolerance", "Reference", "Last", "Dev bps", "Nonce", "Status", "Repositioned")
	for _, p := range led.Pools() {
		levels, err := led.Levels(p.ID)
		if err != nil {
			continue
		}
		for i, lvl := range levels {
			table.Append(
				p.ID,
				string(p.Mode),
				strconv.Itoa(i),
				fmt.Sprintf("%d%% (%d bps)", percents[i], thresholds[i]),
				wad(lvl.ReferencePrice),
				wad(lvl.LastPrice),
				strconv.FormatUint(lvl.LastDeviationBps, 10),
				strconv.FormatUint(lvl.Nonce, 10),
				string(lvl.Status(now, led.Timeout())),
				stamp(lvl.LastRepositionAt),
			)
		}
	}
	table.Render()
}

func printPending(led *ledger.Ledger) {
	pending := led.Pending()
	if len(pending) == 0 {
		fmt.Println("no pending repositions")
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Pool", "Level", "Nonce", "Candidate", "Requested", "Expires")
	for _, p := range pending {
		table.Append(
			p.PoolID,
			strconv.Itoa(p.Level),
			strconv.FormatUint(p.Nonce, 10),
			wad(p.CandidatePrice),
			stamp(p.RequestedAt),
			stamp(p.ExpiresAt),
		)
	}
	table.Render()
}

func printPositions(led *ledger.Ledger, executor *exec.Executor) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Position", "Pool", "Level", "Owner", "Handle", "Range", "Liquidity", "Rebalanced")
	for _, p := range led.Pools() {
		for _, pos := range executor.Positions(p.ID) {
			liq := "0"
			if pos.Liquidity != nil {
				liq = pos.Liquidity.String()
			}
			table.Append(
				pos.ID,
				pos.PoolID,
				strconv.Itoa(pos.Level),
				pos.Owner,
				pos.Handle,
				fmt.Sprintf("[%d, %d]", pos.TickLower, pos.TickUpper),
				liq,
				stamp(pos.RebalancedAt),
			)
		}
	}
	table.Render()
}

func printStuck(executor *exec.Executor) {
	stuck := executor.Stuck()
	if len(stuck) == 0 {
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Handle", "Pool", "Position", "Step", "Reason", "At")
	for _, s := range stuck {
		table.Append(s.Handle, s.PoolID, s.PositionID, string(s.Step), s.Reason, stamp(s.At))
	}
	table.Render()
}

func wad(x *uint256.Int) string {
	if x == nil || x.IsZero() {
		return "-"
	}
	return fixedpoint.FormatWAD(x)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
