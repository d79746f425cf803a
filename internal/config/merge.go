package config

// Explicit merge functions, one per nested shape. Later layers only
// override keys they specify; arrays are replaced wholesale.

func mergeLayer(base *Config, layer *filePartial) {
	if layer == nil {
		return
	}
	if layer.ConfigFormatVersion != nil {
		base.ConfigFormatVersion = *layer.ConfigFormatVersion
	}
	mergeGlobal(&base.Global, layer.Global)
	mergeProviders(base, layer.Providers)
	mergeRoutingPolicy(&base.RoutingPolicy, layer.RoutingPolicy)
	mergeBudget(&base.Budget, layer.Budget)
}

func mergeGlobal(base *GlobalConfig, layer *globalPartial) {
	if layer == nil {
		return
	}
	if layer.LogLevel != nil {
		base.LogLevel = *layer.LogLevel
	}
	if layer.MaxConcurrentTasks != nil {
		base.MaxConcurrentTasks = *layer.MaxConcurrentTasks
	}
	if layer.BudgetCapTokens != nil {
		base.BudgetCapTokens = *layer.BudgetCapTokens
	}
	if layer.BudgetCapUSD != nil {
		base.BudgetCapUSD = *layer.BudgetCapUSD
	}
	if layer.WorkspaceDir != nil {
		base.WorkspaceDir = *layer.WorkspaceDir
	}
}

// mergeProviders replaces whole provider entries the layer names and keeps
// the rest. Provider blocks are small enough that per-field merging inside
// an entry buys nothing but drift.
func mergeProviders(base *Config, layer map[string]ProviderConfig) {
	if len(layer) == 0 {
		return
	}
	if base.Providers == nil {
		base.Providers = make(map[string]ProviderConfig, len(layer))
	}
	for id, p := range layer {
		if p.MaxConcurrent == 0 {
			if existing, ok := base.Providers[id]; ok {
				p.MaxConcurrent = existing.MaxConcurrent
			} else {
				p.MaxConcurrent = 4
			}
		}
		if p.SubscriptionRouting == "" {
			if existing, ok := base.Providers[id]; ok {
				p.SubscriptionRouting = existing.SubscriptionRouting
			} else {
				p.SubscriptionRouting = "auto"
			}
		}
		base.Providers[id] = p
	}
}

func mergeRoutingPolicy(base *RoutingPolicyConfig, layer *RoutingPolicyConfig) {
	if layer == nil {
		return
	}
	if layer.DefaultProvider != "" {
		base.DefaultProvider = layer.DefaultProvider
	}
	if layer.Rules != nil {
		// Arrays replace wholesale.
		base.Rules = layer.Rules
	}
}

func mergeBudget(base *BudgetConfig, layer *budgetPartial) {
	if layer == nil {
		return
	}
	if layer.DefaultTaskBudgetUSD != nil {
		base.DefaultTaskBudgetUSD = *layer.DefaultTaskBudgetUSD
	}
	if layer.DefaultSessionBudgetUSD != nil {
		base.DefaultSessionBudgetUSD = *layer.DefaultSessionBudgetUSD
	}
	if layer.PlanningCostsCountAgainstBudget != nil {
		base.PlanningCostsCountAgainstBudget = *layer.PlanningCostsCountAgainstBudget
	}
	if layer.WarningThresholdPercent != nil {
		base.WarningThresholdPercent = *layer.WarningThresholdPercent
	}
}
