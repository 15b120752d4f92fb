// Package outline — клиент management API сервера Outline.
// API считается ненадёжной внешней зависимостью: клиент не ретраит сам,
// повторы — забота вызывающего кода.
package outline

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var (
	// ErrUnavailable — сервер недоступен на уровне транспорта.
	ErrUnavailable = errors.New("outline unavailable")
	// ErrRejected — сервер ответил, но отверг запрос.
	ErrRejected = errors.New("outline rejected request")
	// ErrTimeout — запрос не уложился в таймаут клиента.
	ErrTimeout = errors.New("outline request timeout")
)

// SuspendLimitBytes — "приостановка" ключа. У Outline нет отдельной
// операции suspend, поэтому ключу ставится минимальный ненулевой лимит.
// Небольшой остаточный трафик в этом окне возможен, это известное
// ограничение, а не жёсткая отсечка.
const SuspendLimitBytes = 1000

// AccessKey — созданный на сервере ключ доступа.
type AccessKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccessURL string `json:"accessUrl"`
}

// ServerInfo — ответ /server, используется как liveness-проба.
type ServerInfo struct {
	Name                 string `json:"name"`
	ServerID             string `json:"serverId"`
	Version              string `json:"version"`
	PortForNewAccessKeys int    `json:"portForNewAccessKeys"`
}

// Client ходит в management API Outline. Все методы блокирующие,
// без внутренних ретраев.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient создаёт клиента. Outline обычно живёт за self-signed
// сертификатом, поэтому insecureTLS по умолчанию включён в конфиге.
func NewClient(baseURL string, insecureTLS bool, timeout time.Duration) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureTLS},
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport, Timeout: timeout},
	}
}

func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s %s -> %d %s", ErrRejected, method, path, resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode: %v", ErrRejected, err)
		}
	}
	return nil
}

// CreateAccessKey создаёт новый ключ доступа на сервере.
func (c *Client) CreateAccessKey() (*AccessKey, error) {
	var key AccessKey
	if err := c.do(http.MethodPost, "/access-keys", nil, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// RenameKey выставляет человекочитаемое имя ключа на сервере.
func (c *Client) RenameKey(outlineID, name string) error {
	return c.do(http.MethodPut, "/access-keys/"+outlineID+"/name", map[string]string{"name": name}, nil)
}

// SetDataLimit ставит лимит трафика на ключ.
func (c *Client) SetDataLimit(outlineID string, bytes int64) error {
	body := map[string]interface{}{"limit": map[string]int64{"bytes": bytes}}
	return c.do(http.MethodPut, "/access-keys/"+outlineID+"/data-limit", body, nil)
}

// Suspend приостанавливает ключ минимальным лимитом (см. SuspendLimitBytes).
func (c *Client) Suspend(outlineID string) error {
	return c.SetDataLimit(outlineID, SuspendLimitBytes)
}

// Reactivate возвращает ключ в работу с новым лимитом.
func (c *Client) Reactivate(outlineID string, newLimitBytes int64) error {
	return c.SetDataLimit(outlineID, newLimitBytes)
}

// DeleteAccessKey удаляет ключ с сервера.
func (c *Client) DeleteAccessKey(outlineID string) error {
	return c.do(http.MethodDelete, "/access-keys/"+outlineID, nil, nil)
}

// GetUsage возвращает накопленный трафик одного ключа.
func (c *Client) GetUsage(outlineID string) (int64, error) {
	all, err := c.GetAllUsage()
	if err != nil {
		return 0, err
	}
	return all[outlineID], nil
}

// GetAllUsage возвращает трафик всех ключей одним запросом —
// это основной путь для периодического обхода, чтобы не делать N запросов.
func (c *Client) GetAllUsage() (map[string]int64, error) {
	var out struct {
		BytesTransferredByUserID map[string]int64 `json:"bytesTransferredByUserId"`
	}
	if err := c.do(http.MethodGet, "/metrics/transfer", nil, &out); err != nil {
		return nil, err
	}
	if out.BytesTransferredByUserID == nil {
		return map[string]int64{}, nil
	}
	return out.BytesTransferredByUserID, nil
}

// GetServerInfo — liveness-проба перед продажей новых ключей.
func (c *Client) GetServerInfo() (*ServerInfo, error) {
	var info ServerInfo
	if err := c.do(http.MethodGet, "/server", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
