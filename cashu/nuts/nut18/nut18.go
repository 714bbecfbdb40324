// Package nut18 contains the payment request as defined in [NUT-18]
//
// [NUT-18]: https://github.com/cashubtc/nuts/blob/main/18.md
package nut18

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const Prefix = "creqA"

var ErrInvalidPaymentRequest = errors.New("invalid payment request")

type Transport struct {
	Type   string     `json:"t"`
	Target string     `json:"a"`
	Tags   [][]string `json:"g,omitempty"`
}

// PaymentRequest with no transports is paid in-band, by attaching
// the token to the request that asked for payment.
type PaymentRequest struct {
	Id          string      `json:"i,omitempty"`
	Amount      uint64      `json:"a,omitempty"`
	Unit        string      `json:"u,omitempty"`
	SingleUse   bool        `json:"s,omitempty"`
	Mints       []string    `json:"m,omitempty"`
	Description string      `json:"d,omitempty"`
	Transports  []Transport `json:"t,omitempty"`
}

func (pr PaymentRequest) Encode() (string, error) {
	data, err := cbor.Marshal(pr)
	if err != nil {
		return "", fmt.Errorf("cbor.Marshal: %v", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(data), nil
}

func Decode(request string) (*PaymentRequest, error) {
	request = strings.TrimSpace(request)
	if !strings.HasPrefix(request, Prefix) {
		return nil, ErrInvalidPaymentRequest
	}

	encoded := strings.TrimRight(request[len(Prefix):], "=")
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPaymentRequest, err)
	}

	var pr PaymentRequest
	if err := cbor.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPaymentRequest, err)
	}
	return &pr, nil
}
