package service

import (
	"context"
	"testing"

	"corebank/internal/apperr"
	"corebank/internal/config"
	"corebank/internal/model"
	"corebank/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountService_GetBalance(t *testing.T) {
	db := testutil.NewDB(t)
	svc := NewAccountService(db, config.Default())
	ctx := context.Background()

	testutil.CreateAccount(t, db, acctA, "12.5", testutil.WithOverdraft("100"))
	testutil.CreateAccount(t, db, acctB, "0", testutil.WithStatus(model.AccountStatusFrozen))

	bal, err := svc.GetBalance(ctx, acctA)
	require.NoError(t, err)
	assert.Equal(t, "12.50", bal.CurrentBalance)
	assert.Equal(t, "12.50", bal.AvailableBalance)
	assert.Equal(t, "100.00", bal.OverdraftLimit)
	assert.True(t, bal.CanTransact)

	bal, err = svc.GetBalance(ctx, acctB)
	require.NoError(t, err)
	assert.Equal(t, string(model.AccountStatusFrozen), bal.Status)
	assert.False(t, bal.CanTransact)

	_, err = svc.GetBalance(ctx, "9999999999")
	assert.ErrorIs(t, err, apperr.ErrAccountNotFound)
}

func TestValidateAccountNumber(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"合法", "1234567890", false},
		{"过短", "12345", true},
		{"过长", "12345678901", true},
		{"含字母", "12345678a0", true},
		{"空", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAccountNumber(tt.input, 10)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperr.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
