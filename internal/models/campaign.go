package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign is one meme_coins row, keyed by contract address
type Campaign struct {
	ContractAddress   string          `json:"contract_address" db:"contract_address"`
	Ticker            string          `json:"ticker" db:"ticker"`
	Supply            string          `json:"supply" db:"supply"`
	DeveloperAddress  string          `json:"developer_address" db:"developer_address"`
	MarketCapOnLaunch decimal.Decimal `json:"market_cap_on_launch" db:"market_cap_on_launch"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	AvatarURL         *string         `json:"avatar_url,omitempty" db:"avatar_url"`
	Title             string          `json:"title,omitempty" db:"title"`
	Description       string          `json:"description,omitempty" db:"description"`
	SocialLinks       []string        `json:"social_links,omitempty" db:"social_links"`
}

// TokenDistribution is one token_distributions row for a campaign
type TokenDistribution struct {
	Entity     string          `json:"entity" db:"entity"`
	Percentage decimal.Decimal `json:"percentage" db:"percentage"`
}

// ExtractionJSON is the structured payload the extraction API returns per page
type ExtractionJSON struct {
	ContractAddress   string              `json:"contract_address"`
	Ticker            string              `json:"ticker"`
	Supply            string              `json:"supply"`
	DeveloperAddress  string              `json:"developer_address"`
	TokenDistribution []TokenDistribution `json:"token_distribution"`
	MarketCapOnLaunch decimal.Decimal     `json:"market_cap_on_launch"`
	CreatedAt         string              `json:"created_at"`
	Title             string              `json:"title"`
	Description       string              `json:"description"`
	SocialLinks       []string            `json:"social_links"`
	AvatarURL         string              `json:"avatar_url,omitempty"`
}

// ExtractionMetadata describes the page an extraction came from
type ExtractionMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	SourceURL   string `json:"sourceURL"`
	StatusCode  int    `json:"statusCode"`
}

// ExtractionRecord is produced per source URL and discarded after persistence
type ExtractionRecord struct {
	JSON     ExtractionJSON     `json:"json"`
	Metadata ExtractionMetadata `json:"metadata"`
}

// HasContract reports whether the page yielded a usable contract address
func (r ExtractionRecord) HasContract() bool {
	return r.JSON.ContractAddress != ""
}

// ToCampaign maps the record onto a meme_coins row. CreatedAt falls back to now
// when the page date cannot be parsed.
func (r ExtractionRecord) ToCampaign(now time.Time) Campaign {
	c := Campaign{
		ContractAddress:   r.JSON.ContractAddress,
		Ticker:            r.JSON.Ticker,
		Supply:            r.JSON.Supply,
		DeveloperAddress:  r.JSON.DeveloperAddress,
		MarketCapOnLaunch: r.JSON.MarketCapOnLaunch,
		CreatedAt:         ParseCreatedAt(r.JSON.CreatedAt, now),
		Title:             r.JSON.Title,
		Description:       r.JSON.Description,
		SocialLinks:       r.JSON.SocialLinks,
	}
	if r.JSON.AvatarURL != "" {
		avatar := r.JSON.AvatarURL
		c.AvatarURL = &avatar
	}
	return c
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
}

// ParseCreatedAt accepts the date shapes the extraction model tends to emit
func ParseCreatedAt(raw string, fallback time.Time) time.Time {
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return fallback.UTC()
}
