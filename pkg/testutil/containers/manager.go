//go:build integration

// Package containers starts the backing services integration tests share.
package containers

import (
	"sync"
	"testing"
)

// Manager hands out one container per service for the whole test binary.
type Manager struct {
	redisOnce sync.Once
	redis     *RedisContainer
	redisErr  error

	pgOnce   sync.Once
	postgres *PostgresContainer
	pgErr    error
}

var (
	manager     *Manager
	managerOnce sync.Once
)

func GetManager() *Manager {
	managerOnce.Do(func() { manager = &Manager{} })
	return manager
}

func (m *Manager) GetRedis(t *testing.T) *RedisContainer {
	t.Helper()
	m.redisOnce.Do(func() { m.redis, m.redisErr = startRedis() })
	if m.redisErr != nil {
		t.Fatalf("failed to start redis container: %v", m.redisErr)
	}
	return m.redis
}

func (m *Manager) GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	m.pgOnce.Do(func() { m.postgres, m.pgErr = startPostgres() })
	if m.pgErr != nil {
		t.Fatalf("failed to start postgres container: %v", m.pgErr)
	}
	return m.postgres
}
