package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"nanohost/metrics"
	"nanohost/svc/util"
)

// LedgerSubmitter funds, signs and assembles the low-level transaction
// around a record's data output and submits it to the network.
type LedgerSubmitter interface {
	Submit(ctx context.Context, script []byte, note string) (SubmitResult, error)
}

type SubmitResult struct {
	TxID  string
	RawTx []byte
}

// Broadcaster mirrors an already-submitted transaction to auxiliary lookup
// services. Delivery is best-effort; bridges key on the txid so redelivery
// is idempotent.
type Broadcaster interface {
	Announce(ctx context.Context, txid string, rawTx []byte) error
}

// Client publishes advertisement records. The txid from ledger submission
// is the durable success signal; bridge fan-out failures are logged and
// counted, never surfaced to the caller.
type Client struct {
	submitter LedgerSubmitter
	bridges   Broadcaster
}

func NewClient(submitter LedgerSubmitter, bridges Broadcaster) *Client {
	return &Client{submitter: submitter, bridges: bridges}
}

func (c *Client) Publish(ctx context.Context, rec *Record, note string) (string, error) {
	result, err := c.submitter.Submit(ctx, rec.Script, note)
	if err != nil {
		return "", errors.Wrap(err, "ledger submission")
	}
	metrics.Advertisements.Inc()
	if c.bridges != nil {
		if err := c.bridges.Announce(ctx, result.TxID, result.RawTx); err != nil {
			metrics.BridgeFailures.Inc()
			util.Warn().Err(err).Str("txid", result.TxID).Msg("bridge fan-out incomplete")
		}
	}
	return result.TxID, nil
}

// HTTPWallet submits via a remote wallet service that owns the funding
// UTXOs.
type HTTPWallet struct {
	url    string
	client *http.Client
}

func NewHTTPWallet(url string, timeout time.Duration) *HTTPWallet {
	return &HTTPWallet{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type walletSubmitRequest struct {
	Outputs []walletOutput `json:"outputs"`
	Note    string         `json:"note"`
}
type walletOutput struct {
	Script   string `json:"script"`
	Satoshis int64  `json:"satoshis"`
}
type walletSubmitResponse struct {
	Status string `json:"status"`
	TxID   string `json:"txid"`
	RawTx  string `json:"rawTx"`
}

func (h *HTTPWallet) Submit(ctx context.Context, script []byte, note string) (SubmitResult, error) {
	body, err := json.Marshal(walletSubmitRequest{
		Outputs: []walletOutput{{Script: hex.EncodeToString(script), Satoshis: 0}},
		Note:    note,
	})
	if err != nil {
		return SubmitResult{}, errors.Wrap(err, "marshal wallet request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+"/transactions", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, errors.Wrap(err, "build wallet request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return SubmitResult{}, errors.Wrap(err, "wallet request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return SubmitResult{}, errors.Errorf("wallet returned status %d", resp.StatusCode)
	}
	var out walletSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SubmitResult{}, errors.Wrap(err, "decode wallet response")
	}
	if out.TxID == "" {
		return SubmitResult{}, errors.New("wallet response missing txid")
	}
	rawTx, err := hex.DecodeString(out.RawTx)
	if err != nil {
		return SubmitResult{}, errors.Wrap(err, "decode raw transaction")
	}
	return SubmitResult{TxID: out.TxID, RawTx: rawTx}, nil
}

// DryRunSubmitter stands in for a wallet service in development. It wraps
// the data output in a minimal unsigned transaction, logs it and returns
// its txid without touching any network.
type DryRunSubmitter struct{}

func (DryRunSubmitter) Submit(ctx context.Context, script []byte, note string) (SubmitResult, error) {
	rawTx := make([]byte, 0, len(script)+20)
	rawTx = append(rawTx, 0x01, 0x00, 0x00, 0x00) // version
	rawTx = append(rawTx, 0x00)                   // no inputs
	rawTx = append(rawTx, 0x01)                   // one output
	rawTx = append(rawTx, make([]byte, 8)...)     // zero value
	rawTx = appendVarInt(rawTx, uint64(len(script)))
	rawTx = append(rawTx, script...)
	rawTx = append(rawTx, 0x00, 0x00, 0x00, 0x00) // locktime
	txid := TxID(rawTx)
	util.Info().
		Str("txid", txid).
		Str("note", note).
		Int("script_bytes", len(script)).
		Msg("dry-run ledger submission")
	return SubmitResult{TxID: txid, RawTx: rawTx}, nil
}

func appendVarInt(b []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(b, byte(n))
	case n <= 0xffff:
		b = append(b, 0xfd)
		b = append(b, byte(n), byte(n>>8))
		return b
	case n <= 0xffffffff:
		b = append(b, 0xfe)
		b = append(b, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
		return b
	default:
		b = append(b, 0xff)
		for i := 0; i < 8; i++ {
			b = append(b, byte(n>>(8*i)))
		}
		return b
	}
}

// HTTPBridges fans a transaction out to a fixed set of mirror endpoints
// concurrently, each delivery retried with backoff.
type HTTPBridges struct {
	urls    []string
	client  *http.Client
	retries uint64
}

func NewHTTPBridges(urls []string, timeout time.Duration) *HTTPBridges {
	return &HTTPBridges{
		urls:    urls,
		client:  &http.Client{Timeout: timeout},
		retries: 3,
	}
}

type bridgePayload struct {
	TxID  string `json:"txid"`
	RawTx string `json:"rawTx"`
}

func (b *HTTPBridges) Announce(ctx context.Context, txid string, rawTx []byte) error {
	if len(b.urls) == 0 {
		return nil
	}
	payload, err := json.Marshal(bridgePayload{TxID: txid, RawTx: hex.EncodeToString(rawTx)})
	if err != nil {
		return errors.Wrap(err, "marshal bridge payload")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range b.urls {
		u := u
		g.Go(func() error {
			backoff := retry.WithMaxRetries(b.retries, retry.NewExponential(500*time.Millisecond))
			err := retry.Do(gctx, backoff, func(ctx context.Context) error {
				if err := b.post(ctx, u, payload); err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "bridge %s", u)
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *HTTPBridges) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bridge returned status %d", resp.StatusCode)
	}
	return nil
}
