package main

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultTrader/internal/errors"
	"VaultTrader/internal/web3/contracts"
)

func TestParseAddress(t *testing.T) {
	addr, err := parseAddress("token", " 0x00000000000000000000000000000000000000d1 ")
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	if addr.Hex() != "0x00000000000000000000000000000000000000d1" {
		t.Fatalf("unexpected address %s", addr.Hex())
	}

	for _, raw := range []string{"", "0x1234", "0x0000000000000000000000000000000000000000"} {
		if _, err := parseAddress("token", raw); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("expected invalid argument for %q, got %v", raw, err)
		}
	}
}

func TestCommandArgumentValidation(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"withdraw"}, "accepts 1 arg"},
		{[]string{"transfer-ownership", "a", "b"}, "accepts 1 arg"},
		{[]string{"withdraw", "not-an-address"}, "地址格式错误"},
		{[]string{"inspect", "extra"}, "unknown command"},
	}
	for _, tc := range cases {
		root := newRootCommand()
		root.SetArgs(tc.args)
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		err := root.Execute()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("args %v: expected error containing %q, got %v", tc.args, tc.want, err)
		}
	}
}

func TestTransferOwnershipRequiresKey(t *testing.T) {
	t.Setenv("VAULTCTL_TEST_KEY", "")
	root := newRootCommand()
	root.SetArgs([]string{"transfer-ownership", "0x00000000000000000000000000000000000000b1", "--key-env", "VAULTCTL_TEST_KEY"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	if xerrors.CodeOf(err) != xerrors.CodeConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestTicksCommandQueriesDaemon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ticks" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`[{"id":"t1","status":"succeeded","started_at":1,"finished_at":2}]`))
	}))
	defer srv.Close()
	t.Setenv("API_TOKEN", "tok")

	var out bytes.Buffer
	root := newRootCommand()
	root.SetArgs([]string{"ticks", "--api", srv.URL, "--limit", "5"})
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var ticks []map[string]any
	if err := json.Unmarshal(out.Bytes(), &ticks); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(ticks) != 1 || ticks[0]["id"] != "t1" {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestSwapLine(t *testing.T) {
	line := swapLine(&contracts.SwapCompleted{
		Route:     3,
		TokenIn:   common.HexToAddress("0xd1"),
		TokenOut:  common.HexToAddress("0xd2"),
		Fee:       big.NewInt(500),
		AmountIn:  big.NewInt(100),
		AmountOut: big.NewInt(99),
	})
	if line["route"] != "v3/500" || line["amount_out"] != "99" {
		t.Fatalf("unexpected line: %v", line)
	}

	line = swapLine(&contracts.SwapCompleted{Route: 2, Fee: big.NewInt(0), AmountIn: big.NewInt(1), AmountOut: big.NewInt(1)})
	if line["route"] != "v2" {
		t.Fatalf("unexpected route: %v", line["route"])
	}
}
