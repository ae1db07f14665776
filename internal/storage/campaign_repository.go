package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/models"
)

// CampaignRepository handles meme_coins and token_distributions persistence
type CampaignRepository struct {
	db Querier
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db Querier) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// FindMissing returns the addresses in siteAddresses with no meme_coins row,
// in input order and without duplicates.
func (r *CampaignRepository) FindMissing(ctx context.Context, siteAddresses []string) ([]string, error) {
	unique := make([]string, 0, len(siteAddresses))
	seen := make(map[string]struct{}, len(siteAddresses))
	for _, addr := range siteAddresses {
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		unique = append(unique, addr)
	}
	if len(unique) == 0 {
		return []string{}, nil
	}

	query := `
		SELECT contract_address
		FROM meme_coins
		WHERE contract_address = ANY($1)
	`

	rows, err := r.db.Query(ctx, query, unique)
	if err != nil {
		return nil, apperrors.NewDatabaseError("find missing campaigns", err)
	}
	defer rows.Close()

	existing := make(map[string]struct{})
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, apperrors.NewDatabaseError("scan campaign address", err)
		}
		existing[addr] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate campaign addresses", err)
	}

	missing := make([]string, 0, len(unique))
	for _, addr := range unique {
		if _, ok := existing[addr]; !ok {
			missing = append(missing, addr)
		}
	}
	return missing, nil
}

// UpsertCampaign inserts the campaign unless its contract address already exists.
// inserted is false when the row was already present.
func (r *CampaignRepository) UpsertCampaign(ctx context.Context, c models.Campaign) (inserted bool, err error) {
	query := `
		INSERT INTO meme_coins (
			contract_address, ticker, supply, developer_address,
			market_cap_on_launch, created_at, avatar_url,
			title, description, social_links
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (contract_address) DO NOTHING
		RETURNING contract_address
	`

	socialLinks := c.SocialLinks
	if socialLinks == nil {
		socialLinks = []string{}
	}

	var addr string
	err = r.db.QueryRow(ctx, query,
		c.ContractAddress,
		c.Ticker,
		c.Supply,
		c.DeveloperAddress,
		c.MarketCapOnLaunch,
		c.CreatedAt,
		c.AvatarURL,
		c.Title,
		c.Description,
		socialLinks,
	).Scan(&addr)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewInsertError(c.ContractAddress, err)
	}
	return true, nil
}

// DistributionFailure is one entity whose upsert failed
type DistributionFailure struct {
	Entity string
	Err    error
}

// DistributionOutcome counts what UpsertDistributions did
type DistributionOutcome struct {
	Inserted int
	Updated  int
	Failures []DistributionFailure
}

// UpsertDistributions merges duplicate entities and writes one row per entity.
// A failing entity does not stop the others.
func (r *CampaignRepository) UpsertDistributions(ctx context.Context, contractAddress string, dists []models.TokenDistribution) DistributionOutcome {
	query := `
		INSERT INTO token_distributions (contract_address, entity, percentage)
		VALUES ($1, $2, $3)
		ON CONFLICT (contract_address, entity)
		DO UPDATE SET percentage = EXCLUDED.percentage, updated_at = now()
		RETURNING (xmax = 0) AS inserted
	`

	var out DistributionOutcome
	for _, d := range models.MergeDistributions(dists) {
		var inserted bool
		err := r.db.QueryRow(ctx, query, contractAddress, d.Entity, d.Percentage).Scan(&inserted)
		if err != nil {
			out.Failures = append(out.Failures, DistributionFailure{
				Entity: d.Entity,
				Err:    apperrors.NewDistributionError(contractAddress, fmt.Errorf("entity %s: %w", d.Entity, err)),
			})
			continue
		}
		if inserted {
			out.Inserted++
		} else {
			out.Updated++
		}
	}
	return out
}

// FindCampaignsMissingDistributions returns campaigns with zero distribution rows, newest first
func (r *CampaignRepository) FindCampaignsMissingDistributions(ctx context.Context) ([]string, error) {
	query := `
		SELECT c.contract_address
		FROM meme_coins c
		LEFT JOIN token_distributions d ON d.contract_address = c.contract_address
		WHERE d.contract_address IS NULL
		ORDER BY c.created_at DESC
	`
	return r.queryAddresses(ctx, query, "find campaigns missing distributions")
}

// ListAddresses returns every known contract address
func (r *CampaignRepository) ListAddresses(ctx context.Context) ([]string, error) {
	query := `SELECT contract_address FROM meme_coins ORDER BY contract_address`
	return r.queryAddresses(ctx, query, "list campaign addresses")
}

func (r *CampaignRepository) queryAddresses(ctx context.Context, query, op string) ([]string, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	defer rows.Close()

	addresses := []string{}
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, apperrors.NewDatabaseError(op, err)
		}
		addresses = append(addresses, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	return addresses, nil
}
