// Package store is the in-memory item store behind the simulated coordinators.
//
// Items are integer keys with an integer value and a version, ordered in a
// google/btree. Commit validates the versions a transaction read and applies
// its buffered writes under one lock, which is enough for the simulated
// collaborator to produce realistic commit and abort outcomes.
//
//	s := store.New()
//	s.Seed(maxKey, 1000)
//	item, err := s.Read(3)
//	err = s.Commit(map[int]uint64{3: item.Version}, map[int]int{3: item.Value - 5})
package store
