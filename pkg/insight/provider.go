// Package insight defines the collaborators the coordinator consumes for
// insight snapshots and chat context, plus SQL-backed and static providers.
// The insight engine itself lives outside this module; it publishes snapshots
// into a table that SQLProvider reads.
package insight

import (
	"context"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
	"github.com/Mindburn-Labs/pulse/pkg/memory"
)

// ErrNoSnapshot is returned when no snapshot exists for a user.
var ErrNoSnapshot = errors.New("insight: no snapshot for user")

// Provider produces the current insight snapshot for a user.
type Provider interface {
	GenerateInsights(ctx context.Context, userID string) (contracts.InsightSnapshot, error)
}

// ChatContextProvider returns the chat surface's current context blob.
type ChatContextProvider interface {
	GetChatContext(ctx context.Context) (map[string]any, error)
}

// StaticProvider serves snapshots from memory. It is safe for concurrent use.
type StaticProvider struct {
	mu        sync.RWMutex
	snapshots map[string]contracts.InsightSnapshot
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{snapshots: make(map[string]contracts.InsightSnapshot)}
}

// Set stores the snapshot returned for userID.
func (p *StaticProvider) Set(userID string, s contracts.InsightSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.UserID = userID
	p.snapshots[userID] = s
}

// GenerateInsights implements Provider.
func (p *StaticProvider) GenerateInsights(ctx context.Context, userID string) (contracts.InsightSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.snapshots[userID]
	if !ok {
		return contracts.InsightSnapshot{}, ErrNoSnapshot
	}
	s.Recommendations = append([]string(nil), s.Recommendations...)
	return s, nil
}

// StaticChatContext serves a fixed chat context.
type StaticChatContext map[string]any

// GetChatContext implements ChatContextProvider.
func (c StaticChatContext) GetChatContext(ctx context.Context) (map[string]any, error) {
	return memory.CloneFields(c), nil
}
