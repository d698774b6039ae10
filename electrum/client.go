package electrum

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	dialTimeout = 30 * time.Second

	// callTimeout bounds a call whose context carries no deadline.
	callTimeout = 30 * time.Second

	clientName      = "vault-plugin-btc-builder"
	protocolVersion = "1.4"
)

// ErrClosed is returned by calls on a closed or disconnected client.
var ErrClosed = errors.New("electrum: client is closed")

// Client represents an Electrum protocol client
type Client struct {
	conn     net.Conn
	mu       sync.Mutex
	id       atomic.Uint64
	useTLS   bool
	host     string
	port     string
	respChan map[uint64]chan *rpcResponse
	respMu   sync.Mutex
	closed   bool
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ServerError is an error returned by the Electrum server itself, such as a
// rejected broadcast.
type ServerError struct {
	Method  string
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("electrum %s error %d: %s", e.Method, e.Code, e.Message)
}

// Unspent is an unspent output reported for a script hash. Height is 0 for
// mempool outputs.
type Unspent struct {
	TxHash string         `json:"tx_hash"`
	TxPos  uint32         `json:"tx_pos"`
	Height int64          `json:"height"`
	Value  btcutil.Amount `json:"value"`
}

// Confirmations returns the confirmation count at the given tip height.
func (u Unspent) Confirmations(tipHeight int64) int64 {
	if u.Height <= 0 {
		return 0
	}
	return tipHeight - u.Height + 1
}

// Dial connects to an Electrum server at ssl://host:port or tcp://host:port
// and negotiates the protocol version. A URL without a scheme uses TLS.
func Dial(ctx context.Context, url string) (*Client, error) {
	c := &Client{
		respChan: make(map[uint64]chan *rpcResponse),
	}

	if err := c.parseURL(url); err != nil {
		return nil, err
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	go c.readResponses()

	if err := c.negotiateVersion(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) parseURL(url string) error {
	switch {
	case strings.HasPrefix(url, "ssl://"):
		c.useTLS = true
		url = strings.TrimPrefix(url, "ssl://")
	case strings.HasPrefix(url, "tcp://"):
		c.useTLS = false
		url = strings.TrimPrefix(url, "tcp://")
	default:
		c.useTLS = true
	}

	host, port, err := net.SplitHostPort(url)
	if err != nil || host == "" || port == "" {
		return fmt.Errorf("invalid URL format %q: expected host:port", url)
	}

	c.host = host
	c.port = port
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, c.port)
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error

	if c.useTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				MinVersion: tls.VersionTLS12,
				ServerName: c.host,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}

	if err != nil {
		return fmt.Errorf("failed to connect to Electrum server: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *Client) readResponses() {
	decoder := json.NewDecoder(c.conn)
	for {
		var resp rpcResponse
		if err := decoder.Decode(&resp); err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()

			// Fail every waiting call.
			c.respMu.Lock()
			for _, ch := range c.respChan {
				close(ch)
			}
			c.respChan = make(map[uint64]chan *rpcResponse)
			c.respMu.Unlock()
			return
		}

		// Notifications carry no id.
		if resp.ID == 0 {
			continue
		}

		c.respMu.Lock()
		if ch, ok := c.respChan[resp.ID]; ok {
			ch <- &resp
			delete(c.respChan, resp.ID)
		}
		c.respMu.Unlock()
	}
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	id := c.id.Add(1)
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	respCh := make(chan *rpcResponse, 1)
	c.respMu.Lock()
	c.respChan[id] = respCh
	c.respMu.Unlock()

	forget := func() {
		c.respMu.Lock()
		delete(c.respChan, id)
		c.respMu.Unlock()
	}

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		forget()
		return nil, ErrClosed
	}
	_, err = c.conn.Write(data)
	c.mu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, &ServerError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) negotiateVersion(ctx context.Context) error {
	result, err := c.call(ctx, "server.version", clientName, protocolVersion)
	if err != nil {
		return fmt.Errorf("version negotiation failed: %w", err)
	}

	var version []string
	if err := json.Unmarshal(result, &version); err != nil {
		return fmt.Errorf("failed to parse version response: %w", err)
	}

	return nil
}

// Close closes the client connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed && c.conn == nil {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ListUnspent returns unspent outputs for a scripthash
func (c *Client) ListUnspent(ctx context.Context, scriptHash string) ([]Unspent, error) {
	result, err := c.call(ctx, "blockchain.scripthash.listunspent", scriptHash)
	if err != nil {
		return nil, err
	}

	var unspent []Unspent
	if err := json.Unmarshal(result, &unspent); err != nil {
		return nil, fmt.Errorf("failed to parse unspent outputs: %w", err)
	}

	return unspent, nil
}

// GetTransaction fetches and decodes a transaction
func (c *Client) GetTransaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	result, err := c.call(ctx, "blockchain.transaction.get", txid)
	if err != nil {
		return nil, err
	}

	var rawHex string
	if err := json.Unmarshal(result, &rawHex); err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction hex: %w", err)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}

	return &tx, nil
}

// BroadcastTransaction submits a transaction and returns the txid the server
// accepted.
func (c *Client) BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}

	result, err := c.call(ctx, "blockchain.transaction.broadcast", hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return "", err
	}

	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", fmt.Errorf("failed to parse broadcast result: %w", err)
	}

	if want := tx.TxHash().String(); txid != want {
		return txid, fmt.Errorf("server returned txid %s, expected %s", txid, want)
	}

	return txid, nil
}

// GetBlockHeight returns the current block height from server
func (c *Client) GetBlockHeight(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "blockchain.headers.subscribe")
	if err != nil {
		return 0, err
	}

	var headerInfo struct {
		Height int64  `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := json.Unmarshal(result, &headerInfo); err != nil {
		return 0, fmt.Errorf("failed to parse header info: %w", err)
	}

	return headerInfo.Height, nil
}

// Ping checks the connection and keeps it from idling out
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "server.ping")
	return err
}

// ScriptHash converts a scriptPubKey to an Electrum scripthash: SHA256 of
// the script, hex encoded in reversed byte order.
func ScriptHash(pkScript []byte) string {
	return chainhash.HashH(pkScript).String()
}
