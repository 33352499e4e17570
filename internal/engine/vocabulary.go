package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/book-expert/tts-pipeline/internal/core"
	"golang.org/x/time/rate"
)

const (
	vocabularyPageSize   = 100
	defaultVocabularyRPS = 10
)

// Vendor names of the rule types.
var vendorTypes = map[core.RuleType]string{
	core.RuleNumberEnglish:      "NUMBER",
	core.RulePhoneticAdjustment: "PHONETIC_SYMBOL",
	core.RuleProperNoun:         "PROPER_NOUN",
}

// VendorType returns the engine's name for t.
func VendorType(t core.RuleType) (string, bool) {
	name, ok := vendorTypes[t]

	return name, ok
}

// RuleTypeFromVendor maps an engine type name back to a rule type.
func RuleTypeFromVendor(name string) (core.RuleType, bool) {
	for ruleType, vendor := range vendorTypes {
		if vendor == name {
			return ruleType, true
		}
	}

	return 0, false
}

type vocabularyItem struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

type listVocabularyResponse struct {
	Count int              `json:"count"`
	Data  []vocabularyItem `json:"data"`
}

type createVocabularyRequest struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Type    string `json:"type"`
	GroupID string `json:"group_id,omitempty"`
}

type createVocabularyResponse struct {
	ID string `json:"id"`
}

type deleteVocabularyRequest struct {
	IDs []string `json:"ids"`
}

// VocabularyClient manages the engine's pronunciation table. Every call waits on a
// shared token bucket.
type VocabularyClient struct {
	client  *Client
	groupID string
	limiter *rate.Limiter
}

// NewVocabularyClient wraps client. requestsPerSecond <= 0 takes the default of 10.
func NewVocabularyClient(client *Client, groupID string, requestsPerSecond float64) *VocabularyClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultVocabularyRPS
	}

	return &VocabularyClient{
		client:  client,
		groupID: groupID,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// ListConfigs returns every config of the group, following pagination.
func (v *VocabularyClient) ListConfigs(ctx context.Context) ([]core.VocabularyConfig, error) {
	var configs []core.VocabularyConfig

	for offset := 0; ; {
		err := v.limiter.Wait(ctx)
		if err != nil {
			return nil, fmt.Errorf("vocabulary rate limiter: %w", err)
		}

		query := url.Values{}
		query.Set("limit", strconv.Itoa(vocabularyPageSize))
		query.Set("offset", strconv.Itoa(offset))

		if v.groupID != "" {
			query.Set("group_id", v.groupID)
		}

		var page listVocabularyResponse

		err = v.client.do(ctx, "list vocabulary", http.MethodGet, apiVocabularyConfigs+"?"+query.Encode(), nil, &page)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Data {
			ruleType, _ := RuleTypeFromVendor(item.Type)
			configs = append(configs, core.VocabularyConfig{
				ID:      item.ID,
				Pattern: item.Key,
				Type:    ruleType,
				Value:   item.Value,
			})
		}

		offset += len(page.Data)
		if len(page.Data) == 0 || offset >= page.Count {
			return configs, nil
		}
	}
}

// CreateConfig adds one entry and returns its engine id.
func (v *VocabularyClient) CreateConfig(ctx context.Context, cfg core.VocabularyConfig) (string, error) {
	vendor, ok := VendorType(cfg.Type)
	if !ok {
		return "", core.Validationf("unsupported rule type %d for pattern %q", cfg.Type, cfg.Pattern)
	}

	err := v.limiter.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("vocabulary rate limiter: %w", err)
	}

	var resp createVocabularyResponse

	err = v.client.do(ctx, "create vocabulary", http.MethodPost, apiVocabularyConfigs, createVocabularyRequest{
		Key:     cfg.Pattern,
		Value:   cfg.Value,
		Type:    vendor,
		GroupID: v.groupID,
	}, &resp)
	if err != nil {
		return "", err
	}

	return resp.ID, nil
}

// DeleteConfigs removes entries in one batch. An empty list is a no-op.
func (v *VocabularyClient) DeleteConfigs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	err := v.limiter.Wait(ctx)
	if err != nil {
		return fmt.Errorf("vocabulary rate limiter: %w", err)
	}

	return v.client.do(ctx, "delete vocabulary", http.MethodPost, apiVocabularyDeletion, deleteVocabularyRequest{IDs: ids}, nil)
}

var _ core.VocabularyClient = (*VocabularyClient)(nil)
