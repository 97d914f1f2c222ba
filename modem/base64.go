package modem

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/pithecene-io/skylink/transfer"
)

// Base64 wraps a bearer that carries text only. Requests are encoded with
// standard padded base64 and responses decoded. Pair it with
// packet.Base64PayloadSize fragments so encoded frames still fit the modem.
type Base64 struct {
	Transport
}

// NewBase64 wraps t.
func NewBase64(t Transport) *Base64 {
	return &Base64{Transport: t}
}

// Exchange encodes req, exchanges it and decodes the response.
func (b *Base64) Exchange(ctx context.Context, req []byte, opts transfer.ExchangeOptions) ([]byte, error) {
	enc := make([]byte, base64.StdEncoding.EncodedLen(len(req)))
	base64.StdEncoding.Encode(enc, req)

	resp, err := b.Transport.Exchange(ctx, enc, opts)
	if err != nil || opts.NoResponse {
		return nil, err
	}
	dec := make([]byte, base64.StdEncoding.DecodedLen(len(resp)))
	n, err := base64.StdEncoding.Decode(dec, resp)
	if err != nil {
		return nil, fmt.Errorf("modem: decode base64 response: %w", err)
	}
	return dec[:n], nil
}

var _ Transport = (*Base64)(nil)
