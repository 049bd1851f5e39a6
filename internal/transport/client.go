package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Client is rvhostctl's handle onto a running rvhostd's control API.
type Client struct {
	socketPath string
	http       *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) Boot(ownerToken string, steal bool) (*StatusResponse, error) {
	body, _ := json.Marshal(bootRequest{OwnerToken: ownerToken, Steal: steal})
	resp, err := c.post("/boot", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &st, nil
}

func (c *Client) Pause() (*StatusResponse, error)     { return c.simpleStatusCall("/pause") }
func (c *Client) Resume() (*StatusResponse, error)     { return c.simpleStatusCall("/resume") }
func (c *Client) Terminate() (*StatusResponse, error)  { return c.simpleStatusCall("/terminate") }

func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.get("/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &st, nil
}

func (c *Client) InstallPackage(id string, tarData []byte) error {
	body, _ := json.Marshal(installPackageRequest{ID: id, TarData: tarData})
	resp, err := c.post("/pkg/install", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusCreated)
}

func (c *Client) RemovePackage(id string) error {
	body, _ := json.Marshal(removePackageRequest{ID: id})
	resp, err := c.post("/pkg/remove", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusNoContent)
}

func (c *Client) ListPackages() ([]map[string]any, error) {
	resp, err := c.get("/pkg/list")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) simpleStatusCall(path string) (*StatusResponse, error) {
	resp, err := c.post(path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &st, nil
}

func (c *Client) post(path string, body []byte) (*http.Response, error) {
	return c.http.Post("http://unix"+path, "application/json", bytes.NewReader(body))
}

func (c *Client) get(path string) (*http.Response, error) {
	return c.http.Get("http://unix" + path)
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
}
