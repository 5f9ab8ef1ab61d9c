package authstore

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"tablerelay/internal/apikey"
)

func TestAuthorize_ValidCredentials(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	meta, err := apikey.GenerateWithMetadata()
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT api_key_hash FROM client_credentials WHERE client_id = \$1`).
		WithArgs("foundry-A").
		WillReturnRows(sqlmock.NewRows([]string{"api_key_hash"}).AddRow(meta.Hash))

	store := newWithDB(db)
	req := httptest.NewRequest("GET", "/search?clientId=foundry-A&query=stu", nil)
	req.Header.Set("x-api-key", meta.PlaintextKey)

	principal, appErr := store.Authorize(context.Background(), req)
	require.Nil(t, appErr)
	require.Equal(t, "foundry-A", principal.ClientID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_WrongKeyRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	meta, err := apikey.GenerateWithMetadata()
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT api_key_hash FROM client_credentials WHERE client_id = \$1`).
		WithArgs("foundry-A").
		WillReturnRows(sqlmock.NewRows([]string{"api_key_hash"}).AddRow(meta.Hash))

	store := newWithDB(db)
	req := httptest.NewRequest("GET", "/search?clientId=foundry-A", nil)
	req.Header.Set("x-api-key", "0000000000000000000000000000000000000000000000000000000000000")

	_, appErr := store.Authorize(context.Background(), req)
	require.NotNil(t, appErr)
	require.Equal(t, "UNAUTHENTICATED", appErr.Code)
}

func TestAuthorize_MissingClientID(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newWithDB(db)
	req := httptest.NewRequest("GET", "/search", nil)

	_, appErr := store.Authorize(context.Background(), req)
	require.NotNil(t, appErr)
	require.Equal(t, "BAD_REQUEST", appErr.Code)
}

func TestIssueKey_StoresHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO client_credentials`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := newWithDB(db)
	meta, err := store.IssueKey(context.Background(), "foundry-A")
	require.NoError(t, err)
	require.Len(t, meta.PlaintextKey, apikey.KeyLength*2)
	require.NoError(t, mock.ExpectationsWereMet())
}
