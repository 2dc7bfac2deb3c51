package evm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/gap-service/donation_service/internal/domain/services/onchain"
	"github.com/gap-service/donation_service/pkg/security"
)

// Endpoint is one configured chain RPC
type Endpoint struct {
	ChainID int64
	Name    string
	RPCURL  string
}

// Registry holds a reader per configured chain
type Registry struct {
	mu      sync.RWMutex
	readers map[int64]*Reader
	closers []func()
	logger  *zap.Logger
}

var _ onchain.ReaderRegistry = (*Registry)(nil)

// Dial connects to every endpoint and checks that each RPC serves the chain
// it is configured for
func Dial(ctx context.Context, endpoints []Endpoint, opts ReaderOptions, logger *zap.Logger) (*Registry, error) {
	r := &Registry{readers: map[int64]*Reader{}, logger: logger}

	for _, ep := range endpoints {
		client, err := ethclient.DialContext(ctx, ep.RPCURL)
		if err != nil {
			r.Close()
			return nil, dialError(ep, "dial", err)
		}

		remote, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			r.Close()
			return nil, dialError(ep, "chain id of", err)
		}
		if remote.Int64() != ep.ChainID {
			client.Close()
			r.Close()
			return nil, fmt.Errorf("rpc for %s serves chain %d, configured %d", ep.Name, remote.Int64(), ep.ChainID)
		}

		r.readers[ep.ChainID] = NewReader(client, ep.ChainID, opts, logger)
		r.closers = append(r.closers, client.Close)
		logger.Info("Connected to chain RPC",
			zap.String("name", ep.Name),
			zap.Int64("chain_id", ep.ChainID),
			zap.String("rpc", security.MaskRPCURL(ep.RPCURL)))
	}
	return r, nil
}

// dialError keeps provider keys embedded in RPC URLs out of startup errors
func dialError(ep Endpoint, op string, err error) error {
	masked := security.MaskRPCURL(ep.RPCURL)
	cause := strings.ReplaceAll(err.Error(), ep.RPCURL, masked)
	return fmt.Errorf("%s %s (chain %d) at %s: %s", op, ep.Name, ep.ChainID, masked, cause)
}

// NewRegistry builds a registry over existing backends
func NewRegistry(backends map[int64]Backend, opts ReaderOptions, logger *zap.Logger) *Registry {
	r := &Registry{readers: map[int64]*Reader{}, logger: logger}
	for chainID, backend := range backends {
		r.readers[chainID] = NewReader(backend, chainID, opts, logger)
	}
	return r
}

// Reader implements onchain.ReaderRegistry
func (r *Registry) Reader(chainID int64) (onchain.Reader, error) {
	reader, err := r.chainReader(chainID)
	if err != nil {
		return nil, err
	}
	return reader, nil
}

func (r *Registry) chainReader(chainID int64) (*Reader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reader, ok := r.readers[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d is not configured", chainID)
	}
	return reader, nil
}

// ChainIDs returns the configured chains in ascending order
func (r *Registry) ChainIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.readers))
	for id := range r.readers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases every RPC connection
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, closeFn := range r.closers {
		closeFn()
	}
	r.closers = nil
}
