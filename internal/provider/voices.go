package provider

import (
	"context"
	"net/url"
	"strconv"

	"github.com/book-expert/tts-gateway/internal/core"
)

const (
	defaultPageSize = 100
	maxPageSize     = 100
)

// VoiceQuery filters the shared voice catalog.
type VoiceQuery struct {
	Search   string
	Category string
	Gender   string
	Language string
	PageSize int
	Page     int
}

// SharedVoice is one entry of the shared voice catalog.
type SharedVoice struct {
	VoiceID       string `json:"voice_id"`
	PublicOwnerID string `json:"public_owner_id"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Gender        string `json:"gender"`
	Age           string `json:"age"`
	Accent        string `json:"accent"`
	Language      string `json:"language"`
	Description   string `json:"description"`
	UseCase       string `json:"use_case"`
	PreviewURL    string `json:"preview_url"`
}

// VoicePage is one page of catalog results.
type VoicePage struct {
	Voices  []SharedVoice `json:"voices"`
	HasMore bool          `json:"has_more"`
}

// Subscription is the provider-side account state of a credential.
type Subscription struct {
	Tier                 string `json:"tier"`
	CharacterCount       int64  `json:"character_count"`
	CharacterLimit       int64  `json:"character_limit"`
	NextCharacterResetAt int64  `json:"next_character_count_reset_unix"`
	Status               string `json:"status"`
}

// SearchSharedVoices fetches one page of the shared voice catalog.
func (c *Client) SearchSharedVoices(
	ctx context.Context,
	credential core.Credential,
	query VoiceQuery,
) (VoicePage, error) {
	params := url.Values{}

	pageSize := query.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	params.Set("page_size", strconv.Itoa(pageSize))

	if query.Page > 0 {
		params.Set("page", strconv.Itoa(query.Page))
	}

	setIfPresent(params, "search", query.Search)
	setIfPresent(params, "category", query.Category)
	setIfPresent(params, "gender", query.Gender)
	setIfPresent(params, "language", query.Language)

	var page VoicePage
	if err := c.getJSON(ctx, credential, c.baseURL+apiSharedVoices+"?"+params.Encode(), &page); err != nil {
		return VoicePage{}, err
	}

	return page, nil
}

// CollectSharedVoices walks the catalog page by page until it is exhausted or
// maxPages pages were read.
func (c *Client) CollectSharedVoices(
	ctx context.Context,
	credential core.Credential,
	query VoiceQuery,
	maxPages int,
) ([]SharedVoice, error) {
	var voices []SharedVoice

	for page := range max(1, maxPages) {
		query.Page = page

		result, err := c.SearchSharedVoices(ctx, credential, query)
		if err != nil {
			return voices, err
		}

		voices = append(voices, result.Voices...)

		if !result.HasMore || len(result.Voices) == 0 {
			break
		}
	}

	return voices, nil
}

// Subscription returns the account state of credential.
func (c *Client) Subscription(ctx context.Context, credential core.Credential) (Subscription, error) {
	var subscription Subscription
	if err := c.getJSON(ctx, credential, c.baseURL+apiUserSubscription, &subscription); err != nil {
		return Subscription{}, err
	}

	return subscription, nil
}

// HealthCheck verifies that the provider is reachable and accepts credential.
func (c *Client) HealthCheck(ctx context.Context, credential core.Credential) error {
	_, err := c.Subscription(ctx, credential)

	return err
}

func setIfPresent(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}
