package opgen

import (
	"errors"
	"fmt"
)

// ErrKeySpaceTooSmall は異なる2つのキーを選べないキー空間を示す
var ErrKeySpaceTooSmall = errors.New("key space too small")

// Rand は生成器が使う乱数源（*rand.Rand from math/rand/v2 を満たす）
type Rand interface {
	IntN(n int) int
	Float64() float64
}

// Item は読み取り済みのキーと値
type Item struct {
	Key   int
	Value int
}

// Write は書き込み要求の対象
type Write struct {
	Key   int
	Value int
}

// Transfer は2アイテム間の移動結果
type Transfer struct {
	Amount int
	Debit  Write // 減算側
	Credit Write // 加算側
}

// Generator はランダムな読み書き対象を生成する
type Generator struct {
	rng Rand
}

// New は新しいGeneratorを作成する
func New(rng Rand) *Generator {
	return &Generator{rng: rng}
}

// PickPair は [0, maxKey] から異なる2つのキーを選ぶ
// 2つ目は1つ目に [1, maxKey-1] のオフセットを足して maxKey+1 で巡回させる
// オフセット maxKey は引かないので (first-1) mod (maxKey+1) は選ばれない
func (g *Generator) PickPair(maxKey int) (first, second int, err error) {
	if maxKey < 2 {
		return 0, 0, fmt.Errorf("%w: maxKey=%d", ErrKeySpaceTooSmall, maxKey)
	}

	first = g.rng.IntN(maxKey + 1)
	offset := 1 + g.rng.IntN(maxKey-1)
	second = (first + offset) % (maxKey + 1)
	return first, second, nil
}

// Transfer は first から second へ移す量を決め、2つの書き込みを返す
// 移動量は [0, first.Value] から一様に選ぶので減算側は負にならない
func (g *Generator) Transfer(first, second Item) Transfer {
	amount := 0
	if first.Value > 0 {
		amount = g.rng.IntN(first.Value + 1)
	}

	return Transfer{
		Amount: amount,
		Debit:  Write{Key: first.Key, Value: first.Value - amount},
		Credit: Write{Key: second.Key, Value: second.Value + amount},
	}
}

// Chance は確率pでtrueを返す
func (g *Generator) Chance(p float64) bool {
	return g.rng.Float64() < p
}

// IntRange は [min, max] から一様に整数を選ぶ
func (g *Generator) IntRange(min, max int) int {
	if max <= min {
		return min
	}
	return min + g.rng.IntN(max-min+1)
}

// Choose は [0, n) のインデックスを選ぶ
func (g *Generator) Choose(n int) int {
	return g.rng.IntN(n)
}
