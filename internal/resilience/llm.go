package resilience

import (
	"context"

	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/provider/llm"
)

// LLMFailover implements [llm.Provider] across multiple LLM backends. Each
// backend has its own breaker; when the primary fails or its breaker is open,
// the next healthy fallback is tried.
type LLMFailover struct {
	chain *Chain[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the preferred
// backend.
func NewLLMFailover(primary llm.Provider, primaryName string, cfg ChainConfig) *LLMFailover {
	return &LLMFailover{chain: NewChain(primary, primaryName, cfg)}
}

// Add registers an additional LLM backend as a fallback.
func (f *LLMFailover) Add(name string, provider llm.Provider) {
	f.chain.Add(name, provider)
}

// Complete sends the request to the first healthy backend and returns its
// response.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return TryResult(f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a chunk stream on the first healthy backend. Only
// the initial connection attempt participates in failover; once a stream is
// established, mid-stream errors are the caller's responsibility.
func (f *LLMFailover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return TryResult(f.chain, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}
