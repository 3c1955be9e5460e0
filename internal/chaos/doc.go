// Package chaos はカオスエンジニアリング機能を提供する。
//
// ChaosMonkeyはクラスタ内のコーディネーターに障害を注入し、
// ワークロードのタイムアウト・再試行・アボート経路を動かすために使用される。
//
// # 障害タイプ
//
// - Kill: コーディネーターを停止（進行中のトランザクションはアボート）
// - Suspend: 一時停止（新しいBeginに応答しなくなり、クライアントはタイムアウトする）
// - Delay: 全ての応答に遅延を注入
//
// KeepRunning で指定した数のコーディネーターは常に稼働させておく。
//
// # 使用例
//
//	config := chaos.DefaultConfig()
//	config.Interval = 3 * time.Second
//	config.TargetCount = 2
//
//	monkey := chaos.New(cluster, config)
//	monkey.Start(ctx)
//	defer monkey.Stop()
package chaos
