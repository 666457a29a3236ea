package service

import (
	"context"
	"fmt"

	"corebank/internal/apperr"
	"corebank/internal/config"
	"corebank/internal/model"
	"corebank/internal/repository"

	"gorm.io/gorm"
)

// AccountService 账户只读查询，不加锁
type AccountService struct {
	accountRepo         *repository.AccountRepository
	accountNumberLength int
}

func NewAccountService(db *gorm.DB, cfg *config.Config) *AccountService {
	return &AccountService{
		accountRepo:         repository.NewAccountRepository(db),
		accountNumberLength: cfg.Business.AccountNumberLength,
	}
}

type BalanceResponse struct {
	AccountNumber    string `json:"account_number"`
	CurrentBalance   string `json:"current_balance"`
	AvailableBalance string `json:"available_balance"`
	OverdraftLimit   string `json:"overdraft_limit"`
	CurrencyCode     string `json:"currency_code"`
	Status           string `json:"status"`
	CanTransact      bool   `json:"can_transact"`
}

func (s *AccountService) GetAccount(ctx context.Context, accountNumber string) (*model.Account, error) {
	if err := validateAccountNumber(accountNumber, s.accountNumberLength); err != nil {
		return nil, err
	}
	return s.accountRepo.GetByAccountNumber(ctx, accountNumber)
}

func (s *AccountService) GetBalance(ctx context.Context, accountNumber string) (*BalanceResponse, error) {
	account, err := s.GetAccount(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{
		AccountNumber:    account.AccountNumber,
		CurrentBalance:   account.CurrentBalance.StringFixed(2),
		AvailableBalance: account.AvailableBalance.StringFixed(2),
		OverdraftLimit:   account.OverdraftLimit.StringFixed(2),
		CurrencyCode:     account.CurrencyCode,
		Status:           string(account.Status),
		CanTransact:      account.CanTransact(),
	}, nil
}

// validateAccountNumber 账号为固定长度的纯数字
func validateAccountNumber(accountNumber string, length int) error {
	if len(accountNumber) != length {
		return apperr.Validation(fmt.Sprintf("账号必须为%d位数字", length))
	}
	for _, c := range accountNumber {
		if c < '0' || c > '9' {
			return apperr.Validation(fmt.Sprintf("账号必须为%d位数字", length))
		}
	}
	return nil
}
