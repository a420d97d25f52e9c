package gateway

import (
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// decodedInvoice is the sliver of a bolt11 invoice the gateway cares
// about before handing it to the mint for a melt quote.
type decodedInvoice struct {
	PaymentHash string
	MSatoshi    int64
	Description string
}

// decodeInvoice validates and decodes a bolt11 invoice before any mint
// call is made. A decode failure here means the invoice is malformed
// and the melt quote request is never sent.
func decodeInvoice(invoice string) (decodedInvoice, error) {
	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return decodedInvoice{}, err
	}
	return decodedInvoice{
		PaymentHash: bolt11.PaymentHash,
		MSatoshi:    int64(bolt11.MSatoshi),
		Description: bolt11.Description,
	}, nil
}
