// Package settlement deposits ecash in custodial wallets
// and sweeps their balance back to a token.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnosh/nutrecovery/apperr"
)

const DefaultIpponBase = "https://ippon.minibits.cash/v1"

type WalletInfo struct {
	Name           string `json:"name"`
	AccessKey      string `json:"access_key"`
	Mint           string `json:"mint"`
	Unit           string `json:"unit"`
	Balance        uint64 `json:"balance"`
	PendingBalance uint64 `json:"pending_balance,omitempty"`
}

type Wallet interface {
	// CreateWallet creates a wallet named name. If token is not
	// empty, it is received into the new wallet.
	CreateWallet(ctx context.Context, name, token string) (*WalletInfo, error)
	// Receive deposits the token and returns the new balance.
	Receive(ctx context.Context, accessKey, token string) (uint64, error)
	Info(ctx context.Context, accessKey string) (*WalletInfo, error)
	// SendAll sends the full balance of the wallet as a token.
	SendAll(ctx context.Context, accessKey string) (string, error)
}

// Ippon is a client for the Ippon custodial wallet API.
type Ippon struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewIppon(baseURL string, timeout time.Duration, logger *slog.Logger) *Ippon {
	if baseURL == "" {
		baseURL = DefaultIpponBase
	}
	return &Ippon{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type createWalletRequest struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type sendRequest struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type balanceResponse struct {
	Balance uint64 `json:"balance"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (i *Ippon) CreateWallet(ctx context.Context, name, token string) (*WalletInfo, error) {
	i.logger.Info("creating settlement wallet", slog.String("name", name), slog.Bool("withToken", token != ""))

	var wallet WalletInfo
	request := createWalletRequest{Name: name, Token: token}
	if err := i.do(ctx, http.MethodPost, "/wallet", "", request, &wallet); err != nil {
		return nil, err
	}
	if wallet.AccessKey == "" {
		return nil, apperr.Connectionf(apperr.Params{"path": "/wallet"}, "settlement wallet created without access key")
	}
	return &wallet, nil
}

func (i *Ippon) Receive(ctx context.Context, accessKey, token string) (uint64, error) {
	var response balanceResponse
	if err := i.do(ctx, http.MethodPost, "/wallet/receive", accessKey, tokenRequest{Token: token}, &response); err != nil {
		return 0, err
	}
	i.logger.Debug("token received", slog.Uint64("balance", response.Balance))
	return response.Balance, nil
}

func (i *Ippon) Info(ctx context.Context, accessKey string) (*WalletInfo, error) {
	var wallet WalletInfo
	if err := i.do(ctx, http.MethodGet, "/wallet", accessKey, nil, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (i *Ippon) SendAll(ctx context.Context, accessKey string) (string, error) {
	wallet, err := i.Info(ctx, accessKey)
	if err != nil {
		return "", err
	}
	if wallet.Balance == 0 {
		return "", apperr.Validationf(apperr.Params{"walletName": wallet.Name}, "Wallet balance is 0, nothing to sweep")
	}

	i.logger.Info("sweeping wallet to token", slog.String("walletName", wallet.Name),
		slog.Uint64("amount", wallet.Balance), slog.String("unit", wallet.Unit))

	var response tokenResponse
	request := sendRequest{Amount: wallet.Balance, Unit: wallet.Unit}
	if err := i.do(ctx, http.MethodPost, "/wallet/send", accessKey, request, &response); err != nil {
		return "", err
	}
	if response.Token == "" {
		return "", apperr.Connectionf(apperr.Params{"path": "/wallet/send"}, "settlement wallet returned empty token")
	}
	return response.Token, nil
}

func (i *Ippon) do(ctx context.Context, method, path, accessKey string, body, dst any) error {
	params := apperr.Params{"caller": "ippon", "path": path}

	var reader io.Reader
	if body != nil {
		requestBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("json.Marshal: %v", err)
		}
		reader = bytes.NewReader(requestBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, i.baseURL+path, reader)
	if err != nil {
		return apperr.WrapConnection(err, params, "invalid settlement wallet url")
	}
	req.Header.Set("Content-Type", "application/json")
	if accessKey != "" {
		req.Header.Set("Authorization", "Bearer "+accessKey)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return apperr.WrapConnection(err, params, "%v %v", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.WrapConnection(err, params, "reading response from %v", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		params["status"] = resp.StatusCode
		return apperr.WrapConnection(errors.New(string(respBody)), params,
			"Ippon API error %d on %v", resp.StatusCode, path)
	}

	if err := json.Unmarshal(respBody, dst); err != nil {
		return apperr.WrapConnection(err, params, "invalid response from settlement wallet")
	}
	return nil
}
