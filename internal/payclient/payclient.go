package payclient

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/payclient/config"
)

// Состояния транзакции на стороне платежной системы
const (
	TradeStateSuccess    = "SUCCESS"
	TradeStateRefund     = "REFUND"
	TradeStateNotPay     = "NOTPAY"
	TradeStateClosed     = "CLOSED"
	TradeStateRevoked    = "REVOKED"
	TradeStateUserPaying = "USERPAYING"
	TradeStatePayError   = "PAYERROR"
)

const (
	pathNative = "/v3/pay/transactions/native"
	pathQuery  = "/v3/pay/transactions/out-trade-no/"
	authSchema = "WECHATPAY2-SHA256-RSA2048"
)

var (
	ErrConfigIncomplete = errors.New("payment provider configuration is incomplete")
	ErrDecrypt          = errors.New("notification decryption failed")
	ErrNotFound         = errors.New("transaction not found at provider")
)

type Transaction struct {
	MerchantRef string
	Description string
	Amount      int64
	Attach      string
}

// JSON ответ платежной системы о транзакции
type TradeResult struct {
	MerchantRef   string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeState    string `json:"trade_state"`
	Amount        struct {
		Total int64 `json:"total"`
	} `json:"amount"`
}

type Client interface {
	Configured() bool
	CreateTransaction(ctx context.Context, tx Transaction) (string, error)
	QueryTransaction(ctx context.Context, merchantRef string) (TradeResult, error)
	CloseTransaction(ctx context.Context, merchantRef string) error
	DecryptNotification(ciphertext string, associatedData string, nonce string) ([]byte, error)
}

type client struct {
	cfg    config.Config
	key    *rsa.PrivateKey
	http   *resty.Client
	zaplog *zap.Logger
}

// NewClient не падает на неполной конфигурации: сервис запускается,
// а вызовы возвращают ErrConfigIncomplete
func NewClient(cfg config.Config, zaplog *zap.Logger) (Client, error) {
	c := &client{
		cfg:    cfg,
		zaplog: zaplog,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
	}

	if !cfg.Complete() {
		zaplog.Warn("payment provider configuration is incomplete")
		return c, nil
	}

	key, err := loadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load merchant private key: %w", err)
	}
	c.key = key
	zaplog.Info("payment provider client initialized", zap.String("mchid", cfg.MchID))
	return c, nil
}

// loadPrivateKey принимает путь к файлу или PEM целиком
func loadPrivateKey(pathOrPEM string) (*rsa.PrivateKey, error) {
	var raw []byte
	switch {
	case strings.Contains(pathOrPEM, "-----BEGIN"):
		raw = []byte(pathOrPEM)
	default:
		data, err := os.ReadFile(pathOrPEM)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("invalid private key: no PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("invalid private key: not RSA")
	}
	return key, nil
}

func (c *client) Configured() bool {
	return c.key != nil
}

// authorization строит подпись запроса: method\nurl\ntimestamp\nnonce\nbody\n
func (c *client) authorization(method, canonicalURL string, body []byte) (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}
	nonce := strings.ToUpper(hex.EncodeToString(nonceBytes))
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	message := method + "\n" + canonicalURL + "\n" + timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(message))
	signature, err := rsa.SignPKCS1v15(rand.Reader, c.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",signature="%s",timestamp="%s",serial_no="%s"`,
		authSchema,
		c.cfg.MchID,
		nonce,
		base64.StdEncoding.EncodeToString(signature),
		timestamp,
		c.cfg.SerialNo), nil
}

func (c *client) send(ctx context.Context, method, path string, payload any) (*resty.Response, error) {
	if !c.Configured() {
		return nil, ErrConfigIncomplete
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	auth, err := c.authorization(method, path, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	req.Method = method
	req.URL = path
	return req.Send()
}

type providerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusError(resp *resty.Response) error {
	var perr providerError
	_ = json.Unmarshal(resp.Body(), &perr)
	if perr.Code == "ORDER_NOT_EXIST" || perr.Code == "RESOURCE_NOT_EXISTS" {
		return ErrNotFound
	}
	return fmt.Errorf("payment provider status %d: %s", resp.StatusCode(), perr.Code)
}

func (c *client) CreateTransaction(ctx context.Context, tx Transaction) (string, error) {
	payload := map[string]any{
		"appid":        c.cfg.AppID,
		"mchid":        c.cfg.MchID,
		"description":  tx.Description,
		"out_trade_no": tx.MerchantRef,
		"notify_url":   c.cfg.NotifyURL,
		"amount": map[string]any{
			"total":    tx.Amount,
			"currency": "CNY",
		},
	}
	if tx.Attach != "" {
		payload["attach"] = tx.Attach
	}

	resp, err := c.send(ctx, http.MethodPost, pathNative, payload)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", statusError(resp)
	}

	var answer struct {
		CodeURL string `json:"code_url"`
	}
	if err = json.Unmarshal(resp.Body(), &answer); err != nil {
		return "", err
	}
	if answer.CodeURL == "" {
		return "", errors.New("payment provider returned empty code_url")
	}
	return answer.CodeURL, nil
}

func (c *client) QueryTransaction(ctx context.Context, merchantRef string) (TradeResult, error) {
	path := pathQuery + url.PathEscape(merchantRef) + "?mchid=" + url.QueryEscape(c.cfg.MchID)

	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return TradeResult{}, err
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		var result TradeResult
		err = json.Unmarshal(resp.Body(), &result)
		return result, err
	default:
		return TradeResult{}, statusError(resp)
	}
}

func (c *client) CloseTransaction(ctx context.Context, merchantRef string) error {
	path := pathQuery + url.PathEscape(merchantRef) + "/close"

	resp, err := c.send(ctx, http.MethodPost, path, map[string]string{"mchid": c.cfg.MchID})
	if err != nil {
		return err
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return statusError(resp)
	}
}

// DecryptNotification расшифровывает resource уведомления (AEAD_AES_256_GCM, ключ APIv3)
func (c *client) DecryptNotification(ciphertext string, associatedData string, nonce string) ([]byte, error) {
	if c.cfg.APIv3Key == "" {
		return nil, ErrConfigIncomplete
	}
	return decryptGCM([]byte(c.cfg.APIv3Key), ciphertext, associatedData, nonce)
}

func decryptGCM(key []byte, ciphertext string, associatedData string, nonce string) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes", ErrDecrypt)
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce size", ErrDecrypt)
	}
	plaintext, err := gcm.Open(nil, []byte(nonce), data, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
