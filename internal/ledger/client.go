package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sentinel errors for ledger client failures.
var (
	ErrLedgerUnreachable = errors.New("ledger unreachable")
	ErrLedgerQueryError  = errors.New("ledger query error")
	ErrLedgerTimeout     = errors.New("ledger query timeout")
	ErrTxNotFound        = errors.New("transaction not found on ledger")
)

// Client is the interface for reading committed transactions from the
// Movement fullnode REST API.
type Client interface {
	TransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	Ready(ctx context.Context) error
}

// Transaction is the subset of a committed ledger transaction the verifier
// inspects. Failed and non-user transactions still decode into this shape.
type Transaction struct {
	Hash     string  `json:"hash"`
	Type     string  `json:"type"`
	Success  bool    `json:"success"`
	VMStatus string  `json:"vm_status"`
	Payload  Payload `json:"payload"`
}

// Payload is the entry function payload of a user transaction.
type Payload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

// transferFunctions are the Move entry functions accepted as native coin
// transfers. Anything else (module calls, scripts, multisig) is not a payment.
var transferFunctions = map[string]bool{
	"0x1::coin::transfer":          true,
	"0x1::aptos_coin::transfer":    true,
	"0x1::aptos_account::transfer": true,
}

// Confirmed reports whether the transaction committed successfully as a
// user transaction.
func (t *Transaction) Confirmed() bool {
	return t.Success && t.Type == "user_transaction"
}

// Transfer extracts the recipient address and octa amount from a native coin
// transfer payload. ok is false when the transaction is not a plain transfer:
// wrong payload type, unknown function, or malformed arguments.
func (t *Transaction) Transfer() (recipient string, octas int64, ok bool) {
	if t.Payload.Type != "entry_function_payload" {
		return "", 0, false
	}
	if !transferFunctions[t.Payload.Function] {
		return "", 0, false
	}
	if len(t.Payload.Arguments) < 2 {
		return "", 0, false
	}
	recipient, ok = t.Payload.Arguments[0].(string)
	if !ok {
		return "", 0, false
	}
	raw, ok := t.Payload.Arguments[1].(string)
	if !ok {
		return "", 0, false
	}
	octas, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || octas < 0 {
		return "", 0, false
	}
	return recipient, octas, true
}

// HTTPClient implements Client using the fullnode's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new ledger HTTP client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	u := fmt.Sprintf("%s/transactions/by_hash/%s", c.baseURL, url.PathEscape(hash))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrLedgerQueryError, resp.StatusCode)
	}

	var tx Transaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("decoding ledger response: %w", err)
	}

	return &tx, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/-/healthy", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: fullnode not healthy (status %d)", ErrLedgerUnreachable, resp.StatusCode)
	}

	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrLedgerTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrLedgerTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
