// Package opgen generates the randomized operations of a transaction round.
//
// A round reads two distinct keys and, optionally, moves an amount from the
// first item to the second. The amount never exceeds the first value, so the
// debited balance stays non-negative and debit plus credit change sum to zero.
//
//	g := opgen.New(rand.New(rand.NewPCG(1, 2)))
//	k1, k2, err := g.PickPair(maxKey)
//	tr := g.Transfer(opgen.Item{Key: k1, Value: v1}, opgen.Item{Key: k2, Value: v2})
package opgen
