package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"txnload/internal/chaos"
	"txnload/internal/scenario"
	"txnload/internal/session"

	"gopkg.in/yaml.v3"
)

// FileConfig は設定ファイルの構造
type FileConfig struct {
	LogLevel string         `yaml:"log_level" json:"log_level"`
	History  string         `yaml:"history" json:"history"`
	Scenario ScenarioConfig `yaml:"scenario" json:"scenario"`
}

// ScenarioConfig はシナリオ設定
type ScenarioConfig struct {
	Preset      string `yaml:"preset" json:"preset"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Duration    string `yaml:"duration" json:"duration"`

	Cluster  ClusterConfig  `yaml:"cluster" json:"cluster"`
	Workload WorkloadConfig `yaml:"workload" json:"workload"`
	Chaos    ChaosConfig    `yaml:"chaos" json:"chaos"`
	Recovery RecoveryConfig `yaml:"recovery" json:"recovery"`
}

// ClusterConfig はクラスタ設定
type ClusterConfig struct {
	Coordinators int  `yaml:"coordinators" json:"coordinators"`
	MaxKey       int  `yaml:"max_key" json:"max_key"`
	InitialValue *int `yaml:"initial_value" json:"initial_value"`
}

// WorkloadConfig はクライアント設定
// 確率は0も有効な値なので未指定と区別するためにポインタにする
type WorkloadConfig struct {
	Clients           int      `yaml:"clients" json:"clients"`
	Mode              string   `yaml:"mode" json:"mode"`
	CommitProbability *float64 `yaml:"commit_probability" json:"commit_probability"`
	WriteProbability  *float64 `yaml:"write_probability" json:"write_probability"`
	MinLength         int      `yaml:"min_length" json:"min_length"`
	MaxLength         int      `yaml:"max_length" json:"max_length"`
	AcceptTimeout     string   `yaml:"accept_timeout" json:"accept_timeout"`
	InterTxnDelay     string   `yaml:"inter_txn_delay" json:"inter_txn_delay"`
	Seed              uint64   `yaml:"seed" json:"seed"`
}

// ChaosConfig はカオス設定
type ChaosConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Interval    string   `yaml:"interval" json:"interval"`
	Targets     int      `yaml:"targets" json:"targets"`
	AttackTypes []string `yaml:"attack_types" json:"attack_types"`
	SuspendTime string   `yaml:"suspend_time" json:"suspend_time"`
	DelayAmount string   `yaml:"delay_amount" json:"delay_amount"`
}

// RecoveryConfig は復旧設定
type RecoveryConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Delay      string `yaml:"delay" json:"delay"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
}

// LoadFile は設定ファイルを読み込む
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &config, nil
}

// parseDuration は空でなければ d に期間を設定する
func parseDuration(field, value string, d *time.Duration) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*d = parsed
	return nil
}

// ToScenarioConfig はFileConfigをscenario.Configに変換する
// preset が指定されていればそれを土台にし、指定された項目だけを上書きする
func (f *FileConfig) ToScenarioConfig() (scenario.Config, error) {
	sc := f.Scenario

	config := scenario.DefaultConfig()
	if sc.Preset != "" {
		preset, ok := scenario.GetPreset(sc.Preset)
		if !ok {
			return config, fmt.Errorf("unknown preset: %s", sc.Preset)
		}
		config = preset
	}

	if sc.Name != "" {
		config.Name = sc.Name
	}
	if sc.Description != "" {
		config.Description = sc.Description
	}
	if err := parseDuration("duration", sc.Duration, &config.Duration); err != nil {
		return config, err
	}

	// Cluster設定
	if sc.Cluster.Coordinators > 0 {
		config.Coordinators = sc.Cluster.Coordinators
	}
	if sc.Cluster.MaxKey > 0 {
		config.MaxKey = sc.Cluster.MaxKey
	}
	if sc.Cluster.InitialValue != nil {
		config.InitialValue = *sc.Cluster.InitialValue
	}

	// Workload設定
	w := sc.Workload
	if w.Clients > 0 {
		config.Clients = w.Clients
	}
	if w.Mode != "" {
		mode, err := session.ParseMode(w.Mode)
		if err != nil {
			return config, err
		}
		config.Mode = mode
	}
	if w.CommitProbability != nil {
		config.CommitProbability = *w.CommitProbability
	}
	if w.WriteProbability != nil {
		config.WriteProbability = *w.WriteProbability
	}
	if w.MinLength > 0 {
		config.MinLength = w.MinLength
	}
	if w.MaxLength > 0 {
		config.MaxLength = w.MaxLength
	}
	if err := parseDuration("accept timeout", w.AcceptTimeout, &config.AcceptTimeout); err != nil {
		return config, err
	}
	if err := parseDuration("inter-transaction delay", w.InterTxnDelay, &config.InterTxnDelay); err != nil {
		return config, err
	}
	if w.Seed != 0 {
		config.Seed = w.Seed
	}

	// Chaos設定
	config.EnableChaos = sc.Chaos.Enabled
	if err := parseDuration("chaos interval", sc.Chaos.Interval, &config.ChaosInterval); err != nil {
		return config, err
	}
	if sc.Chaos.Targets > 0 {
		config.ChaosTargets = sc.Chaos.Targets
	}
	if len(sc.Chaos.AttackTypes) > 0 {
		attacks, err := parseAttackTypes(sc.Chaos.AttackTypes)
		if err != nil {
			return config, err
		}
		config.AttackTypes = attacks
	}
	if err := parseDuration("chaos suspend time", sc.Chaos.SuspendTime, &config.SuspendTime); err != nil {
		return config, err
	}
	if err := parseDuration("chaos delay amount", sc.Chaos.DelayAmount, &config.DelayDuration); err != nil {
		return config, err
	}

	// Recovery設定
	config.EnableRecovery = sc.Recovery.Enabled
	if err := parseDuration("recovery delay", sc.Recovery.Delay, &config.RecoveryDelay); err != nil {
		return config, err
	}
	if sc.Recovery.MaxRetries > 0 {
		config.MaxRetries = sc.Recovery.MaxRetries
	}

	return config, config.Validate()
}

// parseAttackTypes は文字列の攻撃タイプをパースする
func parseAttackTypes(types []string) ([]chaos.AttackType, error) {
	attacks := make([]chaos.AttackType, 0, len(types))

	for _, t := range types {
		attack, ok := chaos.ParseAttackType(strings.ToLower(t))
		if !ok {
			return nil, fmt.Errorf("unknown attack type: %s", t)
		}
		attacks = append(attacks, attack)
	}

	return attacks, nil
}

// Validate はファイルの値を検証する（変換前に分かる誤りのみ）
func (f *FileConfig) Validate() error {
	sc := f.Scenario

	if sc.Cluster.Coordinators < 0 {
		return fmt.Errorf("cluster.coordinators must be non-negative")
	}
	if sc.Cluster.MaxKey < 0 {
		return fmt.Errorf("cluster.max_key must be non-negative")
	}
	if sc.Workload.Clients < 0 {
		return fmt.Errorf("workload.clients must be non-negative")
	}
	if p := sc.Workload.CommitProbability; p != nil && (*p < 0 || *p > 1) {
		return fmt.Errorf("workload.commit_probability must be between 0 and 1")
	}
	if p := sc.Workload.WriteProbability; p != nil && (*p < 0 || *p > 1) {
		return fmt.Errorf("workload.write_probability must be between 0 and 1")
	}
	if sc.Workload.MinLength < 0 || sc.Workload.MaxLength < 0 {
		return fmt.Errorf("workload lengths must be non-negative")
	}
	if sc.Chaos.Targets < 0 {
		return fmt.Errorf("chaos.targets must be non-negative")
	}
	if sc.Recovery.MaxRetries < 0 {
		return fmt.Errorf("recovery.max_retries must be non-negative")
	}

	return nil
}
