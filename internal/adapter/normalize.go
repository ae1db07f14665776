package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/campaign-sync/internal/models"
)

// Normalize coerces a raw extraction object into a record. Missing numbers
// become zero, missing strings empty, missing lists empty.
func Normalize(raw map[string]interface{}, now time.Time) models.ExtractionRecord {
	createdAt := str(raw["created_at"])
	if createdAt == "" {
		createdAt = now.UTC().Format(time.RFC3339)
	}

	payload := models.ExtractionJSON{
		ContractAddress:   strings.TrimSpace(str(raw["contract_address"])),
		Ticker:            strings.TrimSpace(str(raw["ticker"])),
		Supply:            normalizeSupply(raw["supply"]),
		DeveloperAddress:  strings.TrimSpace(str(raw["developer_address"])),
		TokenDistribution: distributions(raw["token_distribution"]),
		MarketCapOnLaunch: number(raw["market_cap_on_launch"]),
		CreatedAt:         createdAt,
		Title:             str(raw["title"]),
		Description:       str(raw["description"]),
		SocialLinks:       strList(raw["social_links"]),
		AvatarURL:         str(raw["avatar_url"]),
	}

	return models.ExtractionRecord{
		JSON: payload,
		Metadata: models.ExtractionMetadata{
			Title:       payload.Title,
			Description: payload.Description,
			SourceURL:   str(raw["sourceURL"]),
			StatusCode:  200,
		},
	}
}

func str(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return decimal.NewFromFloat(t).String()
	default:
		return fmt.Sprint(t)
	}
}

func strList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(str(item)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// number parses JSON numbers and loosely formatted strings like "$1,250.5" or "12%"
func number(v interface{}) decimal.Decimal {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t)
	case string:
		cleaned := strings.NewReplacer(",", "", "$", "", "%", "", " ", "").Replace(t)
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

func normalizeSupply(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "0"
	case float64:
		return decimal.NewFromFloat(t).String()
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return "0"
		}
		cleaned := strings.NewReplacer(",", "", "_", "", " ", "").Replace(trimmed)
		if d, err := decimal.NewFromString(cleaned); err == nil {
			return d.String()
		}
		return trimmed
	default:
		return fmt.Sprint(t)
	}
}

func distributions(v interface{}) []models.TokenDistribution {
	items, ok := v.([]interface{})
	if !ok {
		return []models.TokenDistribution{}
	}
	out := make([]models.TokenDistribution, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, models.TokenDistribution{
			Entity:     strings.TrimSpace(str(m["entity"])),
			Percentage: number(m["percentage"]),
		})
	}
	return out
}
