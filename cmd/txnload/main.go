// Package main is the entry point for txnload.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"txnload/internal/api"
	"txnload/internal/config"
	"txnload/internal/history"
	"txnload/internal/logger"
	"txnload/internal/scenario"
	"txnload/internal/session"
)

var (
	version = "dev"
)

// options はコマンドラインで指定された値
type options struct {
	configFile   string
	presetName   string
	duration     time.Duration
	clients      int
	coordinators int
	maxKey       int
	mode         string
	chaos        bool
	recovery     bool
	historyPath  string
	logLevel     string

	// 明示的に指定されたフラグ名
	set map[string]bool
}

func main() {
	var (
		opts        options
		listPresets bool
		showVersion bool
		serverMode  bool
		serverAddr  string
	)

	// フラグ定義
	flag.StringVar(&opts.configFile, "config", "", "設定ファイルパス (YAML/JSON)")
	flag.StringVar(&opts.presetName, "preset", "", "プリセットシナリオ名 (basic, resilience, latency, stress, quick, single)")
	flag.DurationVar(&opts.duration, "duration", 0, "シナリオ実行時間 (例: 10s, 1m)")
	flag.IntVar(&opts.clients, "clients", 0, "クライアント数")
	flag.IntVar(&opts.coordinators, "coordinators", 0, "コーディネーター数")
	flag.IntVar(&opts.maxKey, "max-key", 0, "キー空間の上限 (キーは 0..max-key)")
	flag.StringVar(&opts.mode, "mode", "", "実行モード (single, continuous)")
	flag.BoolVar(&opts.chaos, "chaos", true, "カオス注入を有効化")
	flag.BoolVar(&opts.recovery, "recovery", true, "自動復旧を有効化")
	flag.StringVar(&opts.historyPath, "history", "", "実行履歴の保存先 (bboltファイル)")
	flag.StringVar(&opts.logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
	flag.BoolVar(&listPresets, "list-presets", false, "利用可能なプリセットを表示")
	flag.BoolVar(&showVersion, "version", false, "バージョンを表示")
	flag.BoolVar(&serverMode, "server", false, "APIサーバーモードで起動")
	flag.StringVar(&serverAddr, "addr", ":8080", "サーバーアドレス (例: :8080, 0.0.0.0:3000)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `txnload - Transactional KV Workload Driver

Usage:
  txnload [options]

Options:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # プリセットシナリオを実行
  txnload --preset quick

  # 各クライアントが1回だけ試行
  txnload --preset basic --mode single --clients 20

  # 設定ファイルから実行し、結果を履歴に残す
  txnload --config scenario.yaml --history runs.db

  # プリセット一覧を表示
  txnload --list-presets

  # APIサーバーモードで起動
  txnload --server --addr :3000 --history runs.db
`)
	}

	flag.Parse()

	opts.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})

	// バージョン表示
	if showVersion {
		fmt.Printf("txnload version %s\n", version)
		return
	}

	// プリセット一覧表示
	if listPresets {
		printPresets(os.Stdout)
		return
	}

	fileConfig, err := loadFileConfig(opts.configFile)
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(1)
	}

	if err := applyLogLevel(opts, fileConfig); err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(1)
	}

	historyPath := opts.historyPath
	if historyPath == "" && fileConfig != nil {
		historyPath = fileConfig.History
	}

	// APIサーバーモード
	if serverMode {
		if err := runServer(serverAddr, historyPath); err != nil {
			logger.Error("", "サーバーエラー: %v", err)
			os.Exit(1)
		}
		return
	}

	// シナリオ設定の決定
	scenarioConfig, err := buildScenarioConfig(opts, fileConfig)
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(1)
	}

	// シナリオ実行
	ok, err := runScenario(scenarioConfig, historyPath)
	if err != nil {
		logger.Error("", "シナリオ実行エラー: %v", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(2)
	}
}

// loadFileConfig は設定ファイルを読み込んで検証する
func loadFileConfig(path string) (*config.FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	fileConfig, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイル読み込みエラー: %w", err)
	}
	if err := fileConfig.Validate(); err != nil {
		return nil, fmt.Errorf("設定検証エラー: %w", err)
	}
	return fileConfig, nil
}

// applyLogLevel はフラグ、設定ファイルの順にログレベルを決める
func applyLogLevel(opts options, fileConfig *config.FileConfig) error {
	level := opts.logLevel
	if level == "" && fileConfig != nil {
		level = fileConfig.LogLevel
	}
	if level == "" {
		return nil
	}
	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(parsed)
	return nil
}

// buildScenarioConfig はシナリオ設定を構築する
func buildScenarioConfig(opts options, fileConfig *config.FileConfig) (scenario.Config, error) {
	var cfg scenario.Config

	switch {
	case fileConfig != nil:
		// 1. 設定ファイルから読み込み
		converted, err := fileConfig.ToScenarioConfig()
		if err != nil {
			return cfg, fmt.Errorf("設定変換エラー: %w", err)
		}
		cfg = converted
	case opts.presetName != "":
		// 2. プリセットから読み込み
		preset, ok := scenario.GetPreset(opts.presetName)
		if !ok {
			return cfg, fmt.Errorf("不明なプリセット: %s (利用可能: %v)", opts.presetName, scenario.ListPresets())
		}
		cfg = preset
	default:
		// 3. デフォルト（quickシナリオ）
		cfg = scenario.QuickScenario()
	}

	// フラグでオーバーライド
	if opts.duration > 0 {
		cfg.Duration = opts.duration
	}
	if opts.clients > 0 {
		cfg.Clients = opts.clients
	}
	if opts.coordinators > 0 {
		cfg.Coordinators = opts.coordinators
	}
	if opts.maxKey > 0 {
		cfg.MaxKey = opts.maxKey
	}
	if opts.mode != "" {
		mode, err := session.ParseMode(opts.mode)
		if err != nil {
			return cfg, err
		}
		cfg.Mode = mode
	}

	// フラグが明示的に指定された場合のみオーバーライド
	if opts.set["chaos"] {
		cfg.EnableChaos = opts.chaos
	}
	if opts.set["recovery"] {
		cfg.EnableRecovery = opts.recovery
	}

	return cfg, cfg.Validate()
}

// runScenario はシナリオを実行し、総額が保たれたかを返す
func runScenario(cfg scenario.Config, historyPath string) (bool, error) {
	fmt.Println("txnload - Transactional KV Workload Driver")
	fmt.Println("==========================================")
	fmt.Printf("Scenario: %s (%s)\n", cfg.Name, cfg.Mode)
	fmt.Printf("Duration: %v\n", cfg.Duration)
	fmt.Printf("Coordinators: %d, Clients: %d, Keys: 0..%d\n", cfg.Coordinators, cfg.Clients, cfg.MaxKey)
	fmt.Printf("Chaos: %v, Recovery: %v\n", cfg.EnableChaos, cfg.EnableRecovery)
	fmt.Println("==========================================")
	fmt.Println()

	var archive *history.Store
	if historyPath != "" {
		h, err := history.Open(historyPath)
		if err != nil {
			return false, err
		}
		defer h.Close()
		archive = h
	}

	ctx, cancel := signalContext("シナリオを終了中...")
	defer cancel()

	// シナリオ実行
	engine := scenario.New(cfg)
	result, err := engine.Run(ctx)
	if result == nil {
		return false, err
	}
	if err != nil {
		logger.Warn("", "Scenario finished with errors: %v", err)
	}

	// レポート出力
	fmt.Println(result.Report())

	if archive != nil {
		id, err := archive.Save(result)
		if err != nil {
			return result.Conserved, fmt.Errorf("履歴の保存に失敗: %w", err)
		}
		fmt.Printf("Saved to history as run #%d\n", id)
	}

	return result.Conserved, nil
}

// printPresets は利用可能なプリセットを表示する
func printPresets(w io.Writer) {
	fmt.Fprintln(w, "利用可能なプリセットシナリオ:")
	fmt.Fprintln(w)

	for _, name := range scenario.ListPresets() {
		cfg, _ := scenario.GetPreset(name)
		fmt.Fprintf(w, "  %-12s %-10s %s\n", name, cfg.Mode, cfg.Description)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "使用例: txnload --preset quick")
}

// runServer はAPIサーバーを起動する
func runServer(addr, historyPath string) error {
	fmt.Println("txnload - API Server")
	fmt.Println("====================")
	fmt.Printf("Starting server on http://%s\n", addr)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ctx, cancel := signalContext("サーバーを終了中...")
	defer cancel()

	server := api.NewServer(addr)
	if historyPath != "" {
		h, err := history.Open(historyPath)
		if err != nil {
			return err
		}
		defer h.Close()
		server.SetHistory(h)
	}
	return server.Start(ctx)
}

// signalContext はSIGINT/SIGTERMでキャンセルされるコンテキストを返す
func signalContext(msg string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Println("\n中断シグナルを受信、" + msg)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
