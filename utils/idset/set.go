// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package idset provides a set of uint64 identifiers with O(1) add, remove
// and membership checks and O(n) enumeration. Enumeration order is not
// guaranteed; removal uses swap-and-pop over a companion slice.
package idset

type Set struct {
	index map[uint64]int
	items []uint64
}

func New() *Set {
	return &Set{
		index: make(map[uint64]int),
	}
}

// Add inserts id into the set. It returns false if id was already present.
func (s *Set) Add(id uint64) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = len(s.items)
	s.items = append(s.items, id)
	return true
}

// Remove deletes id from the set. It returns false if id was not present.
func (s *Set) Remove(id uint64) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	last := len(s.items) - 1
	moved := s.items[last]
	s.items[i] = moved
	s.index[moved] = i
	s.items = s.items[:last]
	delete(s.index, id)
	return true
}

func (s *Set) Contains(id uint64) bool {
	_, ok := s.index[id]
	return ok
}

func (s *Set) Len() int {
	return len(s.items)
}

// List returns a copy of the set's members in unspecified order.
func (s *Set) List() []uint64 {
	out := make([]uint64, len(s.items))
	copy(out, s.items)
	return out
}
