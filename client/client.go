// Package client implements the mint endpoints the recovery service
// consumes: restore and proof state checks for recovery, keys, quotes,
// mint and melt for settling payments.
package client

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
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut01"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut02"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut04"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut05"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut06"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut07"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut09"
)

const (
	DefaultTimeout             = 30 * time.Second
	DefaultCheckStateBatchSize = 100

	// cap on error bodies carried in errors
	maxErrorBody = 1024
)

type Options struct {
	Timeout             time.Duration
	CheckStateBatchSize int
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

type Client struct {
	httpClient          *http.Client
	checkStateBatchSize int
	logger              *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	batchSize := opts.CheckStateBatchSize
	if batchSize <= 0 {
		batchSize = DefaultCheckStateBatchSize
	}
	return &Client{httpClient: httpClient, checkStateBatchSize: batchSize, logger: logger}
}

// Restore asks the mint for the signatures it previously issued on the
// outputs. The response lists only the outputs that were signed,
// with their signatures at the same index.
func (c *Client) Restore(ctx context.Context, mintURL string, outputs cashu.BlindedMessages) (
	*nut09.PostRestoreResponse, error) {

	var restoreResponse nut09.PostRestoreResponse
	request := nut09.PostRestoreRequest{Outputs: outputs}
	if err := c.post(ctx, mintURL, "/v1/restore", request, &restoreResponse); err != nil {
		return nil, err
	}
	return &restoreResponse, nil
}

// CheckState returns the state of each Y, querying the mint in pages of
// the configured batch size. Ys the mint did not report are absent from
// the returned map.
func (c *Client) CheckState(ctx context.Context, mintURL string, Ys []string) (map[string]nut07.State, error) {
	states := make(map[string]nut07.State, len(Ys))
	for start := 0; start < len(Ys); start += c.checkStateBatchSize {
		end := min(start+c.checkStateBatchSize, len(Ys))

		var stateResponse nut07.PostCheckStateResponse
		request := nut07.PostCheckStateRequest{Ys: Ys[start:end]}
		if err := c.post(ctx, mintURL, "/v1/checkstate", request, &stateResponse); err != nil {
			return nil, err
		}
		for _, state := range stateResponse.States {
			states[state.Y] = state.State
		}
	}
	return states, nil
}

func (c *Client) GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error) {
	var mintInfo nut06.MintInfo
	if err := c.get(ctx, mintURL, "/v1/info", &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func (c *Client) GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, mintURL, "/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get(ctx, mintURL, "/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *Client) GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, mintURL, "/v1/keys/"+id, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) PostMintQuoteBolt11(ctx context.Context, mintURL string,
	mintQuoteRequest nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error) {

	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, mintURL, "/v1/mint/quote/bolt11", mintQuoteRequest, &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func (c *Client) GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := c.get(ctx, mintURL, "/v1/mint/quote/bolt11/"+quoteId, &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func (c *Client) PostMintBolt11(ctx context.Context, mintURL string,
	mintRequest nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error) {

	var mintResponse nut04.PostMintBolt11Response
	if err := c.post(ctx, mintURL, "/v1/mint/bolt11", mintRequest, &mintResponse); err != nil {
		return nil, err
	}
	return &mintResponse, nil
}

func (c *Client) PostMeltQuoteBolt11(ctx context.Context, mintURL string,
	meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {

	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL, "/v1/melt/quote/bolt11", meltQuoteRequest, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func (c *Client) PostMeltBolt11(ctx context.Context, mintURL string,
	meltRequest nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {

	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL, "/v1/melt/bolt11", meltRequest, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func (c *Client) get(ctx context.Context, mintURL, endpoint string, dst any) error {
	return c.do(ctx, http.MethodGet, mintURL, endpoint, nil, dst)
}

func (c *Client) post(ctx context.Context, mintURL, endpoint string, body, dst any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}
	return c.do(ctx, http.MethodPost, mintURL, endpoint, requestBody, dst)
}

func (c *Client) do(ctx context.Context, method, mintURL, endpoint string, body []byte, dst any) error {
	url := strings.TrimRight(mintURL, "/") + endpoint
	params := apperr.Params{"mintUrl": mintURL, "endpoint": endpoint}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return apperr.WrapValidation(err, params, "invalid mint url")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.WrapConnection(err, params, "%v %v", method, endpoint)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.WrapConnection(err, params, "reading response from %v", endpoint)
	}
	c.logger.Debug("mint request", slog.String("method", method), slog.String("url", url),
		slog.Int("status", resp.StatusCode), slog.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp.StatusCode, respBody, params)
	}

	if err := json.Unmarshal(respBody, dst); err != nil {
		params["body"] = truncate(respBody)
		return apperr.WrapConnection(err, params, "error reading response from mint")
	}
	return nil
}

// parseError decodes the body as a cashu error when possible
// so the mint's detail is surfaced in the message.
func parseError(statusCode int, body []byte, params apperr.Params) error {
	params["statusCode"] = statusCode
	params["body"] = truncate(body)

	var errResponse cashu.Error
	if err := json.Unmarshal(body, &errResponse); err == nil && errResponse.Detail != "" {
		params["code"] = errResponse.Code
		return apperr.WrapConnection(errResponse, params, "mint returned %d", statusCode)
	}
	return apperr.WrapConnection(errors.New(http.StatusText(statusCode)), params, "mint returned %d", statusCode)
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
