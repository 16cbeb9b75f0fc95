package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/transaction"
)

// Manager gerencia os pools nomeados de um processo. É o ponto de entrada
// do servidor: cria cada pool, roda a recuperação e roteia alocações.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
	log   *zap.Logger
}

// NewManager cria e inicia um Pool para cada entrada. Falhas de
// recuperação são registradas mas não impedem o pool de subir; o próximo
// restart tenta de novo.
func NewManager(ctx context.Context, tm *transaction.Manager, specs []Options) (*Manager, error) {
	m := &Manager{
		pools: make(map[string]*Pool, len(specs)),
		log:   zap.L().Named("pool"),
	}

	for _, spec := range specs {
		if _, dup := m.pools[spec.Name]; dup {
			m.Close()
			return nil, fmt.Errorf("duplicate pool name %q", spec.Name)
		}
		spec.Manager = tm
		p, err := New(spec)
		if err != nil {
			// Fechar quaisquer pools já criados antes de retornar.
			m.Close()
			return nil, fmt.Errorf("initializing pool %s: %w", spec.Name, err)
		}
		if err := p.Start(ctx); err != nil {
			m.log.Warn("pool started without completing recovery",
				zap.String("pool", spec.Name), zap.Error(err))
		}
		m.pools[spec.Name] = p
	}

	m.log.Info("pool manager initialized", zap.Int("pools", len(m.pools)))
	return m, nil
}

// Allocate obtém um handle do pool nomeado.
func (m *Manager) Allocate(ctx context.Context, name string, creds driver.Credentials, info driver.Info) (*Handle, error) {
	p, ok := m.Pool(name)
	if !ok {
		return nil, fmt.Errorf("unknown pool: %s", name)
	}
	return p.Allocate(ctx, creds, info)
}

// Pool retorna o Pool de um dado nome.
func (m *Manager) Pool(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Names returns the pool names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Stats retorna estatísticas de todos os pools, ordenadas por nome.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	slices.SortFunc(stats, func(a, b Stats) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return stats
}

// Close encerra todos os pools.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, p := range m.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pool %s: %w", name, err))
		}
	}
	m.pools = nil

	m.log.Info("pool manager closed")
	return errors.Join(errs...)
}
