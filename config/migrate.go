package config

import (
	"encoding/json"
	"fmt"
)

// legacyConfig is the flat single-level shape written by early releases.
// Parse detects it by the presence of the t1_models key and migrates it to
// the nested Snapshot shape.
type legacyConfig struct {
	T1Models         []string                  `json:"t1_models"`
	T2Models         []string                  `json:"t2_models"`
	T3Models         []string                  `json:"t3_models"`
	Timeouts         map[string]int            `json:"timeouts"`
	UpstreamBaseURL  string                    `json:"upstream_base_url"`
	UpstreamAPIKey   string                    `json:"upstream_api_key"`
	GatewayAPIKey    string                    `json:"gateway_api_key"`
	RouterConfig     json.RawMessage           `json:"router_config"`
	RetryConfig      json.RawMessage           `json:"retry_config"`
	GlobalParams     map[string]any            `json:"global_params"`
	ModelParams      map[string]map[string]any `json:"model_params"`
	Providers        map[string]legacyProvider `json:"providers"`
	ModelProviderMap map[string]string         `json:"model_provider_map"`
}

type legacyProvider struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// Parse decodes config bytes into a Snapshot, migrating the legacy flat
// shape when detected. The boolean reports whether a migration happened so
// the caller can back up the original file and rewrite it nested.
func Parse(data []byte) (*Snapshot, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, fmt.Errorf("parsing config: %w", err)
	}

	if _, legacy := probe["t1_models"]; legacy {
		snap, err := migrateLegacy(data)
		if err != nil {
			return nil, false, err
		}
		return snap, true, nil
	}

	snap := Default()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, false, fmt.Errorf("parsing config: %w", err)
	}
	return snap, false, nil
}

// migrateLegacy maps the flat shape onto the nested one. The legacy file
// carried a single per-tier timeout covering the whole call, so both the
// connect and generation budgets inherit it, which preserves the old
// single-deadline behaviour.
func migrateLegacy(data []byte) (*Snapshot, error) {
	var legacy legacyConfig
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parsing legacy config: %w", err)
	}

	snap := Default()

	if legacy.T1Models != nil {
		snap.Models[TierT1] = legacy.T1Models
	}
	if legacy.T2Models != nil {
		snap.Models[TierT2] = legacy.T2Models
	}
	if legacy.T3Models != nil {
		snap.Models[TierT3] = legacy.T3Models
	}

	for tier, ms := range legacy.Timeouts {
		if ms <= 0 {
			continue
		}
		snap.Timeouts.Connect[tier] = ms
		snap.Timeouts.Generation[tier] = ms
	}

	if legacy.UpstreamBaseURL != "" {
		snap.Providers.Upstream.BaseURL = legacy.UpstreamBaseURL
	}
	if legacy.UpstreamAPIKey != "" {
		snap.Providers.Upstream.APIKey = legacy.UpstreamAPIKey
	}
	if legacy.GatewayAPIKey != "" {
		snap.GatewayAPIKey = legacy.GatewayAPIKey
	}

	if len(legacy.RouterConfig) > 0 {
		if err := json.Unmarshal(legacy.RouterConfig, &snap.Router); err != nil {
			return nil, fmt.Errorf("parsing legacy router_config: %w", err)
		}
	}
	if len(legacy.RetryConfig) > 0 {
		var retry struct {
			StatusCodes   []int    `json:"status_codes"`
			ErrorKeywords []string `json:"error_keywords"`
		}
		if err := json.Unmarshal(legacy.RetryConfig, &retry); err != nil {
			return nil, fmt.Errorf("parsing legacy retry_config: %w", err)
		}
		if retry.StatusCodes != nil {
			snap.Retries.Conditions.StatusCodes = retry.StatusCodes
		}
		if retry.ErrorKeywords != nil {
			snap.Retries.Conditions.ErrorKeywords = retry.ErrorKeywords
		}
	}

	if legacy.GlobalParams != nil {
		snap.Params.GlobalParams = legacy.GlobalParams
	}
	if legacy.ModelParams != nil {
		snap.Params.ModelParams = legacy.ModelParams
	}

	for id, p := range legacy.Providers {
		snap.Providers.Custom[id] = Provider{
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Protocol: ProtocolOpenAI,
		}
	}
	if legacy.ModelProviderMap != nil {
		snap.Providers.Map = legacy.ModelProviderMap
	}

	return snap, nil
}
