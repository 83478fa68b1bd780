// Package provider builds and owns the chain adapters declared in the chain
// definitions file.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/web3"
	"CognitiveMesh/internal/web3/ethereum"
	"CognitiveMesh/internal/web3/guard"
	"CognitiveMesh/internal/web3/memchain"
	"CognitiveMesh/pkg/logger"
)

// Registry manages a set of chain adapters keyed by chain name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]web3.Adapter
	logger   *slog.Logger
}

// NewRegistry instantiates one guarded adapter per chain definition. Adapters
// are not connected; call ConnectAll.
func NewRegistry(defs web3.ChainDefinitions) (*Registry, error) {
	r := &Registry{adapters: make(map[string]web3.Adapter), logger: logger.Named("web3.provider")}
	for raw, def := range defs.Chains {
		name := web3.NormalizeChain(raw)
		if _, dup := r.adapters[name]; dup {
			return nil, fmt.Errorf("链 %s 重复定义", name)
		}
		var adapter web3.Adapter
		switch def.AdapterType() {
		case "evm":
			a, err := ethereum.NewAdapter(ethereum.Config{
				Name:            name,
				RPCURL:          def.RPCURL,
				ChainID:         def.ChainID,
				ContractAddress: def.ContractAddress,
				PrivateKey:      def.PrivateKey(),
				GasLimit:        def.GasLimit,
				ConfirmTimeout:  def.ConfirmTimeout,
				Poll:            def.Poll,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			adapter = a
		case "memory":
			adapter = memchain.New(name, memchain.WithPollConfig(def.Poll))
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		r.adapters[name] = guard.Wrap(adapter, def.Breaker, def.RateLimit)
	}
	return r, nil
}

// NewStaticRegistry registers ready-made adapters under their normalised chain
// names. A later adapter for the same chain replaces an earlier one.
func NewStaticRegistry(adapters ...web3.Adapter) *Registry {
	r := &Registry{adapters: make(map[string]web3.Adapter, len(adapters)), logger: logger.Named("web3.provider")}
	for _, a := range adapters {
		if a != nil {
			r.adapters[web3.NormalizeChain(a.Chain())] = a
		}
	}
	return r
}

// Adapter returns the adapter for chain, matched case-insensitively. Unknown
// chains are unavailable.
func (r *Registry) Adapter(chain string) (web3.Adapter, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链适配器注册表")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[web3.NormalizeChain(chain)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeChainUnavailable, fmt.Sprintf("no adapter configured for chain %q", chain),
			xerrors.WithMetadata("chain", chain))
	}
	return a, nil
}

// ConnectAll connects every adapter. Failures are logged and returned per
// chain; an unreachable chain does not prevent the others from serving.
func (r *Registry) ConnectAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, name := range r.Chains() {
		a, _ := r.Adapter(name)
		if err := a.Connect(ctx); err != nil {
			failures[name] = err
			r.logger.Warn("链适配器连接失败", slog.String("chain", name), slog.Any("error", err))
			continue
		}
		r.logger.Info("链适配器已连接", slog.String("chain", name))
	}
	return failures
}

// Status reports whether each chain is currently connected.
func (r *Registry) Status() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.IsConnected()
	}
	return out
}

// Close releases all adapters managed by the registry.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, a := range r.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭链 %s 失败: %w", name, err))
		}
		delete(r.adapters, name)
	}
	return errors.Join(errs...)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
