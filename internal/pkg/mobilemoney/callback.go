package mobilemoney

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DebitResult is the outcome of an STK push, delivered asynchronously
type DebitResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	Success           bool
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            int64 // minor units, zero when the debit failed
	Phone             string
}

// CreditResult is the outcome of a B2C payout
type CreditResult struct {
	OriginatorConversationID string
	ConversationID           string
	Success                  bool
	ResultCode               int
	ResultDesc               string
	TransactionID            string
	Amount                   int64
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Key   string          `json:"Key"`
	Value json.RawMessage `json:"Value"`
}

// scalar renders a JSON number or string value as text
func (i metadataItem) scalar() string {
	raw := strings.TrimSpace(string(i.Value))
	if unq, err := strconv.Unquote(raw); err == nil {
		return unq
	}
	return raw
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseSTKCallback decodes the debit result webhook body
func ParseSTKCallback(body []byte) (*DebitResult, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid callback body: %w", err)
	}
	cb := env.Body.StkCallback
	if cb == nil {
		return nil, fmt.Errorf("stkCallback is required")
	}
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("CheckoutRequestID is required")
	}

	res := &DebitResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		Success:           cb.ResultCode == 0,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	if !res.Success || cb.CallbackMetadata == nil {
		if res.Success {
			return nil, fmt.Errorf("CallbackMetadata is required for a successful debit")
		}
		return res, nil
	}

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			amount, err := FromUnits(item.scalar())
			if err != nil {
				return nil, err
			}
			res.Amount = amount
		case "MpesaReceiptNumber":
			res.ReceiptNumber = item.scalar()
		case "PhoneNumber":
			res.Phone = item.scalar()
		}
	}
	if res.Amount <= 0 {
		return nil, fmt.Errorf("Amount is required for a successful debit")
	}
	return res, nil
}

type b2cResultEnvelope struct {
	Result *struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         *struct {
			ResultParameter []metadataItem `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// ParseB2CResult decodes the payout result webhook body
func ParseB2CResult(body []byte) (*CreditResult, error) {
	var env b2cResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid result body: %w", err)
	}
	r := env.Result
	if r == nil {
		return nil, fmt.Errorf("Result is required")
	}
	if r.OriginatorConversationID == "" {
		return nil, fmt.Errorf("OriginatorConversationID is required")
	}

	res := &CreditResult{
		OriginatorConversationID: r.OriginatorConversationID,
		ConversationID:           r.ConversationID,
		Success:                  r.ResultCode == 0,
		ResultCode:               r.ResultCode,
		ResultDesc:               r.ResultDesc,
		TransactionID:            r.TransactionID,
	}
	if r.ResultParameters != nil {
		for _, p := range r.ResultParameters.ResultParameter {
			if p.Key == "TransactionAmount" {
				if amount, err := FromUnits(p.scalar()); err == nil {
					res.Amount = amount
				}
			}
		}
	}
	return res, nil
}

// Ack is the body the gateway expects in reply to a webhook
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func Accepted() Ack { return Ack{ResultCode: 0, ResultDesc: "Accepted"} }

func Rejected(reason string) Ack { return Ack{ResultCode: 1, ResultDesc: reason} }
