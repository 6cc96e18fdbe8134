// Package registry provides NodeRegistry implementations. The governance
// system that stakes, elects, and slashes node operators lives elsewhere;
// the settlement core only consumes its authorization surface.
package registry

import (
	"context"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// Static is a fixed reporter set loaded from configuration. Suited to
// single-operator deployments where the roster changes by redeploy.
type Static struct {
	nodes map[common.Address]struct{}
}

// NewStatic builds a Static registry from hex-encoded addresses. Invalid
// entries are dropped rather than failing startup; config validation reports
// them separately.
func NewStatic(addrs []string) *Static {
	nodes := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if !common.IsHexAddress(a) {
			continue
		}
		nodes[common.HexToAddress(a)] = struct{}{}
	}
	return &Static{nodes: nodes}
}

// IsActiveNode reports whether the address is in the configured roster.
func (s *Static) IsActiveNode(_ context.Context, addr common.Address) (bool, error) {
	_, ok := s.nodes[addr]
	return ok, nil
}

// ActiveNodes returns the roster in a deterministic (lexicographic) order so
// fee apportioning is reproducible.
func (s *Static) ActiveNodes(_ context.Context) ([]common.Address, error) {
	out := make([]common.Address, 0, len(s.nodes))
	for a := range s.nodes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hex() < out[j].Hex()
	})
	return out, nil
}

// Compile-time interface check.
var _ domain.NodeRegistry = (*Static)(nil)
