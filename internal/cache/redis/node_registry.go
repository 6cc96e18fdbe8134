package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/timepoint-ai/proteus-sub001/internal/domain"
)

// activeNodesKey is the Redis set of authorized reporter addresses. The
// registry operator tooling maintains membership; the daemon only reads it.
const activeNodesKey = "nodes:active"

// NodeRegistry implements domain.NodeRegistry over a Redis set, letting the
// reporter roster change without redeploying the daemon.
type NodeRegistry struct {
	rdb *redis.Client
}

// NewNodeRegistry creates a NodeRegistry backed by the given Client.
func NewNodeRegistry(c *Client) *NodeRegistry {
	return &NodeRegistry{rdb: c.Underlying()}
}

// IsActiveNode reports whether the address is in the active reporter set.
func (nr *NodeRegistry) IsActiveNode(ctx context.Context, addr common.Address) (bool, error) {
	ok, err := nr.rdb.SIsMember(ctx, activeNodesKey, addr.Hex()).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check active node %s: %w", addr.Hex(), err)
	}
	return ok, nil
}

// ActiveNodes returns the active reporter set in a deterministic
// (lexicographic) order so fee apportioning is reproducible.
func (nr *NodeRegistry) ActiveNodes(ctx context.Context) ([]common.Address, error) {
	members, err := nr.rdb.SMembers(ctx, activeNodesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list active nodes: %w", err)
	}
	out := make([]common.Address, 0, len(members))
	for _, m := range members {
		if common.IsHexAddress(m) {
			out = append(out, common.HexToAddress(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hex() < out[j].Hex()
	})
	return out, nil
}

// Compile-time interface check.
var _ domain.NodeRegistry = (*NodeRegistry)(nil)
