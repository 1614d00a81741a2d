package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type explorer struct {
	submit  apiResponse
	pending int32
	final   apiResponse

	polls atomic.Int32
	form  chan map[string]string
}

func (x *explorer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	var resp apiResponse
	switch r.Form.Get("action") {
	case "verifysourcecode":
		select {
		case x.form <- map[string]string{
			"contractaddress":       r.PostForm.Get("contractaddress"),
			"contractname":          r.PostForm.Get("contractname"),
			"compilerversion":       r.PostForm.Get("compilerversion"),
			"constructorArguements": r.PostForm.Get("constructorArguements"),
			"apikey":                r.PostForm.Get("apikey"),
		}:
		default:
		}
		resp = x.submit
	case "checkverifystatus":
		if x.polls.Add(1) <= x.pending {
			resp = apiResponse{Status: "0", Message: "NOTOK", Result: "Pending in queue"}
		} else {
			resp = x.final
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newExplorer(t *testing.T, x *explorer) *Etherscan {
	x.form = make(chan map[string]string, 1)
	srv := httptest.NewServer(x)
	t.Cleanup(srv.Close)
	return NewEtherscan(srv.URL+"/api", "key", srv.Client())
}

var req = Request{
	Address:         "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	ContractName:    "contracts/FundMe.sol:FundMe",
	SourceCode:      `{"language":"Solidity"}`,
	CompilerVersion: "v0.8.20+commit.a1b79de6",
	ConstructorArgs: "0x000000000000000000000000000000000000000000000000000000000000012c",
}

func TestWait_PollsUntilVerified(t *testing.T) {
	x := &explorer{
		submit:  apiResponse{Status: "1", Message: "OK", Result: "guid-1"},
		pending: 2,
		final:   apiResponse{Status: "1", Message: "OK", Result: "Pass - Verified"},
	}
	e := newExplorer(t, x)

	require.NoError(t, Wait(context.Background(), e, req, 5, time.Millisecond))
	assert.Equal(t, int32(3), x.polls.Load())

	form := <-x.form
	assert.Equal(t, req.Address, form["contractaddress"])
	assert.Equal(t, "key", form["apikey"])
	assert.Equal(t, "000000000000000000000000000000000000000000000000000000000000012c", form["constructorArguements"])
}

func TestWait_AlreadyVerified(t *testing.T) {
	x := &explorer{submit: apiResponse{Status: "0", Message: "NOTOK", Result: "Contract source code already verified"}}
	e := newExplorer(t, x)

	require.NoError(t, Wait(context.Background(), e, req, 5, time.Millisecond))
	assert.Equal(t, int32(0), x.polls.Load())
}

func TestWait_Failure(t *testing.T) {
	x := &explorer{
		submit: apiResponse{Status: "1", Message: "OK", Result: "guid-2"},
		final:  apiResponse{Status: "0", Message: "NOTOK", Result: "Fail - Unable to verify"},
	}
	e := newExplorer(t, x)

	err := Wait(context.Background(), e, req, 5, time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailed))
	assert.Equal(t, int32(1), x.polls.Load())
}

func TestWait_StillPending(t *testing.T) {
	x := &explorer{
		submit:  apiResponse{Status: "1", Message: "OK", Result: "guid-3"},
		pending: 100,
	}
	e := newExplorer(t, x)

	err := Wait(context.Background(), e, req, 3, time.Millisecond)
	assert.True(t, errors.Is(err, ErrPending))
}

func TestEtherscan_BadStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewEtherscan(srv.URL, "key", nil).Verify(context.Background(), req)
	assert.ErrorContains(t, err, "bad status code: 429")
}

func TestAuto(t *testing.T) {
	local := &Auto{Network: "hardhatMainnet", Local: true, Log: zap.NewNop()}
	res := local.Run(context.Background(), req, []string{"300"})
	assert.True(t, res.Skipped)
	assert.False(t, res.Verified)

	x := &explorer{
		submit: apiResponse{Status: "1", Message: "OK", Result: "guid-4"},
		final:  apiResponse{Status: "0", Message: "NOTOK", Result: "Fail - Unable to verify"},
	}
	remote := &Auto{Verifier: newExplorer(t, x), Network: "confluxESpace", Attempts: 2, Delay: time.Millisecond}
	res = remote.Run(context.Background(), req, []string{"300"})
	assert.False(t, res.Verified)
	assert.Error(t, res.Err)
	assert.Equal(t, `npx hardhat verify --network confluxESpace 0x5FbDB2315678afecb367f032d93F642f64180aa3 "300"`, res.ManualCommand)
}

func TestFindBuildInfo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "build-info"), 0o755))
	other := `{"solcLongVersion":"0.8.19+commit.7dd6d404","input":{"sources":{"contracts/Other.sol":{}}}}`
	mine := `{"solcLongVersion":"0.8.20+commit.a1b79de6","input":{"language":"Solidity","sources":{"contracts/FundMe.sol":{"content":""}}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build-info", "a.json"), []byte(other), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build-info", "b.json"), []byte(mine), 0o600))

	info, err := FindBuildInfo(dir, "contracts/FundMe.sol")
	require.NoError(t, err)
	assert.Equal(t, "v0.8.20+commit.a1b79de6", info.CompilerVersion())
	assert.Contains(t, string(info.Input), `"language":"Solidity"`)

	_, err = FindBuildInfo(dir, "contracts/RedPacket.sol")
	assert.Error(t, err)
}
