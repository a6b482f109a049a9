package evalctx

import "context"

// AddressReputationProvider is the capability interface for reputation
// intelligence about a target address. Implementations may be live HTTP
// clients, caches, or stubs for testing — the stages package is agnostic
// to transport, per spec's provider-integration design note.
type AddressReputationProvider interface {
	GetReputation(ctx context.Context, chainID int64, address string) (*AddressReputation, error)
	// BatchReputation looks up several addresses in one round trip.
	// Implementations may fall back to sequential GetReputation calls. No
	// pipeline stage calls it; multicall targets are not looked up.
	BatchReputation(ctx context.Context, chainID int64, addresses []string) (map[string]*AddressReputation, error)
}

// ContractAnalysisProvider is the capability interface for bytecode and
// verification intelligence about a target contract.
type ContractAnalysisProvider interface {
	AnalyzeContract(ctx context.Context, chainID int64, address string) (*ContractAnalysis, error)
}
