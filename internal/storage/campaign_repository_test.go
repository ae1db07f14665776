package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/models"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestFindMissing_SetDifference(t *testing.T) {
	mock := newMockPool(t)
	repo := NewCampaignRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("FROM meme_coins")).
		WithArgs([]string{"A", "B", "C"}).
		WillReturnRows(pgxmock.NewRows([]string{"contract_address"}).AddRow("A"))

	missing, err := repo.FindMissing(context.Background(), []string{"A", "B", "", "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, missing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindMissing_EmptyInputSkipsQuery(t *testing.T) {
	mock := newMockPool(t)
	repo := NewCampaignRepository(mock)

	missing, err := repo.FindMissing(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, missing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindMissing_DatabaseError(t *testing.T) {
	mock := newMockPool(t)
	repo := NewCampaignRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("FROM meme_coins")).
		WithArgs([]string{"A"}).
		WillReturnError(errors.New("connection reset"))

	_, err := repo.FindMissing(context.Background(), []string{"A"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDatabaseError))
}

func testCampaign() models.Campaign {
	return models.Campaign{
		ContractAddress:   "0xabc",
		Ticker:            "ABC",
		Supply:            "1000000",
		DeveloperAddress:  "0xdev",
		MarketCapOnLaunch: decimal.NewFromInt(5000),
		CreatedAt:         time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func campaignArgs() []interface{} {
	args := make([]interface{}, 10)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestUpsertCampaign_Inserted(t *testing.T) {
	mock := newMockPool(t)
	repo := NewCampaignRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO meme_coins")).
		WithArgs(campaignArgs()...).
		WillReturnRows(pgxmock.NewRows([]string{"contract_address"}).AddRow("0xabc"))

	inserted, err := repo.UpsertCampaign(context.Background(), testCampaign())
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCampaign_AlreadyExists(t *testing.T) {
	mock := newMockPool(t)
	repo := NewCampaignRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (contract_address) DO NOTHING")).
		WithArgs(campaignArgs()...).
		WillReturnError(pgx.ErrNoRows)

	inserted, err := repo.UpsertCampaign(context.Background(), testCampaign())
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestUpsertCampaign_InsertError(t *testing.T) {
	mock := newMockPool(t)
	repo := NewCampaignRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO meme_coins")).
		WithArgs(campaignArgs()...).
		WillReturnError(errors.New("value too long"))

	_, err := repo.UpsertCampaign(context.Background(), testCampaign())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInsertError))
}

func TestUpsertDistributions_CountsAndIsolation(t *testing.T) {
	mock := newMockPool(t)
	repo := NewCampaignRepository(mock)

	dists := []models.TokenDistribution{
		{Entity: "Team", Percentage: decimal.NewFromInt(10)},
		{Entity: "Public", Percentage: decimal.NewFromInt(60)},
		{Entity: "Team", Percentage: decimal.NewFromInt(5)},
		{Entity: "Treasury", Percentage: decimal.NewFromInt(25)},
	}

	q := regexp.QuoteMeta("INSERT INTO token_distributions")
	mock.ExpectQuery(q).
		WithArgs("0xabc", "Team", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery(q).
		WithArgs("0xabc", "Public", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectQuery(q).
		WithArgs("0xabc", "Treasury", pgxmock.AnyArg()).
		WillReturnError(errors.New("check constraint"))

	out := repo.UpsertDistributions(context.Background(), "0xabc", dists)
	assert.Equal(t, 1, out.Inserted)
	assert.Equal(t, 1, out.Updated)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "Treasury", out.Failures[0].Entity)
	assert.True(t, apperrors.HasCode(out.Failures[0].Err, apperrors.CodeDistributionError))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindCampaignsMissingDistributions(t *testing.T) {
	mock := newMockPool(t)
	repo := NewCampaignRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("LEFT JOIN token_distributions")).
		WillReturnRows(pgxmock.NewRows([]string{"contract_address"}).AddRow("0x2").AddRow("0x1"))

	addrs, err := repo.FindCampaignsMissingDistributions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0x2", "0x1"}, addrs)
}

func TestListAddresses_Empty(t *testing.T) {
	mock := newMockPool(t)
	repo := NewCampaignRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT contract_address FROM meme_coins")).
		WillReturnRows(pgxmock.NewRows([]string{"contract_address"}))

	addrs, err := repo.ListAddresses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, addrs)
}
