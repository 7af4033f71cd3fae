package routing

import (
	"context"
	"fmt"
)

// InstallDefaultRules seeds the platform's baseline routing table. It is a
// no-op for rules that already exist, so replicas can call it unconditionally
// at startup.
func (r *Router) InstallDefaultRules(ctx context.Context) error {
	defaults := []*RoutingRule{
		{
			ID:             "default-gateway-si-banking",
			Name:           "API gateway to SI banking operations",
			SourcePattern:  "api_gateway",
			TargetPattern:  "banking_*",
			MessagePattern: "*",
			TargetRole:     RoleSI,
			Strategy:       StrategyPriority,
			Priority:       100,
		},
		{
			ID:             "default-gateway-si",
			Name:           "API gateway to SI services",
			SourcePattern:  "api_gateway",
			TargetPattern:  "*",
			MessagePattern: "*",
			TargetRole:     RoleSI,
			Strategy:       StrategyLoadBalanced,
			Priority:       50,
		},
		{
			ID:             "default-si-app",
			Name:           "SI to APP transmission",
			SourcePattern:  "*",
			TargetPattern:  "*",
			MessagePattern: "*",
			SourceRole:     RoleSI,
			TargetRole:     RoleAPP,
			Strategy:       StrategyLoadBalanced,
			Priority:       60,
		},
		{
			ID:             "default-app-si",
			Name:           "APP status feedback to SI",
			SourcePattern:  "*",
			TargetPattern:  "*",
			MessagePattern: "*",
			SourceRole:     RoleAPP,
			TargetRole:     RoleSI,
			Strategy:       StrategyBroadcast,
			Priority:       60,
		},
		{
			ID:             "default-hybrid-coordinator",
			Name:           "Hybrid coordinator distribution",
			SourcePattern:  "*",
			TargetPattern:  "*",
			MessagePattern: "*",
			TargetRole:     RoleHybridCoordinator,
			Strategy:       StrategyRoundRobin,
			Priority:       40,
		},
		{
			ID:             "default-core-alerts",
			Name:           "Core platform alert fan-out",
			SourcePattern:  "*",
			TargetPattern:  "*",
			MessagePattern: "EVENT",
			TargetRole:     RoleCore,
			Strategy:       StrategyBroadcast,
			Priority:       30,
		},
	}

	for _, rule := range defaults {
		r.mu.RLock()
		_, exists := r.rules[rule.ID]
		r.mu.RUnlock()
		if exists {
			continue
		}
		if err := r.AddRoutingRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to install default rule %s: %w", rule.ID, err)
		}
	}
	return nil
}
