// Package scenario は統合シナリオ実行機能を提供する。
//
// シナリオエンジンはクラスタ、ワークロード、ChaosMonkey、RecoveryManagerを
// 連携させ、指定時間（singleモードでは全クライアントの試行が終わるまで）実行する。
// 終了後はストア内の値の合計が初期値から変わっていないことを確認する。
//
// # プリセットシナリオ
//
// - basic: カオスなしの送金ワークロード
// - resilience: コーディネーターのkillと再起動
// - latency: タイムアウトを超える遅延の注入
// - stress: 高競合のストレステスト
// - quick: 短時間の動作確認
// - single: クライアントごとに1回だけ試行
//
// # 使用例
//
//	config := scenario.ResilienceScenario()
//	engine := scenario.New(config)
//	result, err := engine.Run(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.Report())
package scenario
