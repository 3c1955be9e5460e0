// Package recovery はコーディネーター障害からの自動復旧機能を提供する。
//
// RecoveryManagerはクラスタ内のコーディネーターを監視し、
// 停止・一時停止・遅延が見つかった場合に自動的に元に戻す。
//
// # 機能
//
// - ヘルスチェック: 定期的にコーディネーターの状態を監視
// - 自動再起動: 停止したコーディネーターをクラスタのコンテキストで再起動
// - 自動再開: 一時停止中のコーディネーターを再開
// - 遅延クリア: 稼働中のコーディネーターの遅延設定をクリア
//
// 障害を検出してから RecoveryDelay が経過するまでは手を出さない。
// その間クライアントはタイムアウトと再試行で進む。
//
// # 使用例
//
//	config := recovery.DefaultConfig()
//	config.HealthCheckInterval = 1 * time.Second
//	config.MaxRetries = 3
//
//	manager := recovery.New(cluster, config)
//	manager.Start(ctx)
//	defer manager.Stop()
package recovery
