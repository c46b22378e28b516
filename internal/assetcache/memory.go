package assetcache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is a process-local LRU cache.
type Memory struct {
	lru *lru.Cache[string, []byte]
}

func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Memory{lru: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := m.lru.Get(key)
	return b, ok, nil
}

func (m *Memory) Put(_ context.Context, key string, body []byte) error {
	m.lru.Add(key, body)
	return nil
}

// Len reports the number of cached entries.
func (m *Memory) Len() int {
	return m.lru.Len()
}
