// Package verify submits contract sources to etherscan-compatible block
// explorers.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrPending is returned by Status while the explorer is still working.
	ErrPending = errors.New("verification pending")

	ErrFailed = errors.New("verification failed")

	// ErrSkipped is returned for networks without a block explorer.
	ErrSkipped = errors.New("verification skipped")
)

// Request describes one contract to verify.
type Request struct {
	Address string
	// ContractName is the fully qualified name, "contracts/FundMe.sol:FundMe".
	ContractName    string
	SourceCode      string
	CompilerVersion string
	// ConstructorArgs is the hex ABI encoding of the constructor arguments,
	// without 0x.
	ConstructorArgs string
}

type Verifier interface {
	Verify(ctx context.Context, req Request) (string, error)
	Status(ctx context.Context, guid string) error
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

// Etherscan talks to the etherscan v1 contract API.
type Etherscan struct {
	apiURL string
	apiKey string
	http   *http.Client
}

func NewEtherscan(apiURL, apiKey string, client *http.Client) *Etherscan {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Etherscan{apiURL: apiURL, apiKey: apiKey, http: client}
}

// Verify submits the source and returns the explorer's job id. A contract
// that is already verified yields an empty id and no error.
func (e *Etherscan) Verify(ctx context.Context, req Request) (string, error) {
	form := url.Values{}
	form.Set("apikey", e.apiKey)
	form.Set("module", "contract")
	form.Set("action", "verifysourcecode")
	form.Set("contractaddress", req.Address)
	form.Set("sourceCode", req.SourceCode)
	form.Set("codeformat", "solidity-standard-json-input")
	form.Set("contractname", req.ContractName)
	form.Set("compilerversion", req.CompilerVersion)
	// The misspelling is part of the API.
	form.Set("constructorArguements", strings.TrimPrefix(req.ConstructorArgs, "0x"))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.do(httpReq)
	if err != nil {
		return "", err
	}
	if isAlreadyVerified(resp.Result) {
		return "", nil
	}
	if resp.Status != "1" {
		return "", errors.Wrapf(ErrFailed, "%s: %s", resp.Message, resp.Result)
	}
	return resp.Result, nil
}

// Status checks a verification job once.
func (e *Etherscan) Status(ctx context.Context, guid string) error {
	q := url.Values{}
	q.Set("apikey", e.apiKey)
	q.Set("module", "contract")
	q.Set("action", "checkverifystatus")
	q.Set("guid", guid)

	sep := "?"
	if strings.Contains(e.apiURL, "?") {
		sep = "&"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.apiURL+sep+q.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := e.do(httpReq)
	if err != nil {
		return err
	}
	switch {
	case isAlreadyVerified(resp.Result), resp.Status == "1":
		return nil
	case strings.Contains(strings.ToLower(resp.Result), "pending"):
		return ErrPending
	default:
		return errors.Wrap(ErrFailed, resp.Result)
	}
}

func (e *Etherscan) do(req *http.Request) (*apiResponse, error) {
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "explorer request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read explorer response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("bad status code: %d %s", resp.StatusCode, string(body))
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "decode explorer response")
	}
	return &out, nil
}

func isAlreadyVerified(result string) bool {
	return strings.Contains(strings.ToLower(result), "already verified")
}

// ManualCommand is the hardhat command an operator can run when automatic
// verification fails.
func ManualCommand(network, address string, args []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "npx hardhat verify --network %s %s", network, address)
	for _, a := range args {
		fmt.Fprintf(&b, " %q", a)
	}
	return b.String()
}
