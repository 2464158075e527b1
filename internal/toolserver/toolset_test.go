package toolserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Gateway/internal/confirm"
	"OpenMCP-Gateway/internal/gateway"
	"OpenMCP-Gateway/internal/guard"
	"OpenMCP-Gateway/internal/journal"
	"OpenMCP-Gateway/internal/web3"
	"OpenMCP-Gateway/internal/web3/ethereum"
	"OpenMCP-Gateway/internal/web3/web3test"
)

var (
	allowed   = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	stranger  = common.HexToAddress("0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB")
	tokenAddr = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")

	idPattern   = regexp.MustCompile(`ID: ([0-9a-f-]{36})`)
	hashPattern = regexp.MustCompile(`Hash: (0x[0-9a-fA-F]{64})$`)
)

type fixture struct {
	tools   *Toolset
	machine *confirm.Machine
	journal *journal.MemoryStore
	backend *web3test.Backend
	sender  common.Address
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend := web3test.NewBackend()
	backend.TokenAddress = tokenAddr
	backend.TokenSymbol = "USDC"
	conn, err := ethereum.NewConnection(context.Background(), backend, ethereum.Config{
		ChainID:      1337,
		PrivateKey:   hex.EncodeToString(crypto.FromECDSA(key)),
		TokenAddress: tokenAddr.Hex(),
		RPCTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	g, err := guard.FromConfig([]string{allowed.Hex()}, []string{allowed.Hex()})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	gw, err := gateway.New(conn, g)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	j := journal.NewMemoryStore(0)
	machine := confirm.NewMachine(confirm.NewMemoryStore(), confirm.WithJournal(j))
	book, err := web3.NewAddressBook(map[string]string{"Alice": allowed.Hex()})
	if err != nil {
		t.Fatalf("address book: %v", err)
	}
	all := append([]Option{WithAddressBook(book), WithDecisionTools(true)}, opts...)
	tools, err := New(gw, machine, all...)
	if err != nil {
		t.Fatalf("toolset: %v", err)
	}
	return fixture{tools: tools, machine: machine, journal: j, backend: backend, sender: crypto.PubkeyToAddress(key.PublicKey)}
}

func confirmationID(t *testing.T, text string) string {
	t.Helper()
	m := idPattern.FindStringSubmatch(text)
	if m == nil || !strings.HasPrefix(text, confirmationPrefix) {
		t.Fatalf("expected a confirmation prompt, got %q", text)
	}
	return m[1]
}

func TestUnknownTool(t *testing.T) {
	fx := newFixture(t)
	if got := fx.tools.Call(context.Background(), "drain_wallet", nil); got != `Error [NOT_FOUND]: unknown tool "drain_wallet"` {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestReadTools(t *testing.T) {
	fx := newFixture(t)
	fx.backend.Balances[allowed] = big.NewInt(2_500_000_000_000_000_000)
	fx.backend.TokenBalances[fx.sender] = big.NewInt(7_000_000_000_000_000_000)
	ctx := context.Background()

	got := fx.tools.Call(ctx, ToolGetBalance, map[string]any{"address": strings.ToLower(allowed.Hex())})
	if got != "Balance of "+allowed.Hex()+": 2.5 ETH" {
		t.Fatalf("unexpected balance text %q", got)
	}
	got = fx.tools.Call(ctx, ToolGetTokenBalance, map[string]any{"wallet_address": fx.sender.Hex()})
	if got != "Token balance of "+fx.sender.Hex()+" (USDC): 7"+senderBalanceSuffix {
		t.Fatalf("unexpected token text %q", got)
	}
	got = fx.tools.Call(ctx, ToolGasPrice, nil)
	if got != "Current gas price: 1 Gwei" {
		t.Fatalf("unexpected gas text %q", got)
	}
	got = fx.tools.Call(ctx, ToolAddressByName, map[string]any{"name": "alice"})
	if got != "Address of alice: "+allowed.Hex() {
		t.Fatalf("unexpected lookup text %q", got)
	}
	got = fx.tools.Call(ctx, ToolAddressByName, map[string]any{"name": "bob"})
	if !strings.HasPrefix(got, "Error [NOT_FOUND]") {
		t.Fatalf("unexpected lookup miss %q", got)
	}
}

func TestInvalidAddressSkipsRPC(t *testing.T) {
	fx := newFixture(t)
	got := fx.tools.Call(context.Background(), ToolGetBalance, map[string]any{"address": "0xInvalidAddress"})
	if !strings.HasPrefix(got, "Error [VALIDATION_ERROR]") {
		t.Fatalf("unexpected text %q", got)
	}
	if fx.backend.Calls("BalanceAt") != 0 {
		t.Fatalf("no balance RPC should be issued")
	}
}

func TestNonStringIdentifiersRejected(t *testing.T) {
	fx := newFixture(t)
	cases := []struct {
		tool string
		args map[string]any
	}{
		{ToolGetBalance, map[string]any{"address": 1234.0}},
		{ToolGetTokenBalance, map[string]any{"wallet_address": 1e40}},
		{ToolSendETH, map[string]any{"to_address": 5.0e47, "amount_eth": 1.0}},
		{ToolSendToken, map[string]any{"to_address": true, "amount": 1.0}},
		{ToolConfirmOperation, map[string]any{"confirmation_id": 42.0, "approved": true}},
		{ToolResumeOperation, map[string]any{"confirmation_id": 42.0}},
		{ToolResumeRun, map[string]any{"run_id": 7.0}},
	}
	for _, tc := range cases {
		t.Run(tc.tool, func(t *testing.T) {
			got := fx.tools.Call(context.Background(), tc.tool, tc.args)
			if !strings.HasPrefix(got, "Error [VALIDATION_ERROR]") || !strings.Contains(got, "must be a string") {
				t.Fatalf("unexpected text %q", got)
			}
		})
	}
	if fx.backend.Calls("BalanceAt") != 0 || len(fx.backend.Sent()) != 0 {
		t.Fatalf("numeric identifiers reached the chain")
	}
	if list, _ := fx.machine.List(context.Background(), ""); len(list) != 0 {
		t.Fatalf("no confirmation should be created, got %d", len(list))
	}
}

func TestUnauthorizedSendCreatesNothing(t *testing.T) {
	fx := newFixture(t)
	got := fx.tools.Call(context.Background(), ToolSendETH, map[string]any{"to_address": stranger.Hex(), "amount_eth": 1.0})
	if !strings.HasPrefix(got, "Error [NOT_AUTHORIZED]") || !strings.Contains(got, stranger.Hex()) {
		t.Fatalf("unexpected text %q", got)
	}
	pending, _ := fx.machine.List(context.Background(), "")
	if len(pending) != 0 || fx.backend.Calls("PendingNonceAt") != 0 {
		t.Fatalf("rejected send must not create a confirmation or read a nonce")
	}
	got = fx.tools.Call(context.Background(), ToolSendETH, map[string]any{"to_address": allowed.Hex(), "amount_eth": -1})
	if !strings.HasPrefix(got, "Error [VALIDATION_ERROR]") {
		t.Fatalf("negative amount should fail validation, got %q", got)
	}
}

func TestSendETHApprovedBroadcastsOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	prompt := fx.tools.Call(ctx, ToolSendETH, map[string]any{"to_address": allowed.Hex(), "amount_eth": "0.25"})
	id := confirmationID(t, prompt)
	if fx.backend.Calls("SendTransaction") != 0 {
		t.Fatalf("nothing may be broadcast before approval")
	}

	got := fx.tools.Call(ctx, ToolConfirmOperation, map[string]any{"confirmation_id": id, "approved": true})
	m := hashPattern.FindStringSubmatch(got)
	if m == nil {
		t.Fatalf("unexpected result %q", got)
	}
	sent := fx.backend.Sent()
	if len(sent) != 1 || sent[0].Hash().Hex() != m[1] || sent[0].Value().String() != "250000000000000000" {
		t.Fatalf("expected one broadcast of 0.25 ETH, got %d", len(sent))
	}

	again := fx.tools.Call(ctx, ToolConfirmOperation, map[string]any{"confirmation_id": id, "approved": true})
	if !strings.HasPrefix(again, "Error [CONFIRMATION_NOT_FOUND]") || len(fx.backend.Sent()) != 1 {
		t.Fatalf("second approval must not broadcast, got %q", again)
	}
	entries, _ := fx.journal.List(ctx, journal.Query{})
	if len(entries) != 1 || entries[0].TxHash != m[1] || entries[0].DecidedBy != toolDecider {
		t.Fatalf("unexpected journal %+v", entries)
	}
}

func TestSendDeniedNeverBroadcasts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := confirmationID(t, fx.tools.Call(ctx, ToolSendETH, map[string]any{"to_address": allowed.Hex(), "amount_eth": 1}))
	got := fx.tools.Call(ctx, ToolConfirmOperation, map[string]any{"confirmation_id": id, "approved": false})
	if got != confirm.CancelledText || fx.backend.Calls("SendTransaction") != 0 {
		t.Fatalf("denied send must not broadcast, got %q", got)
	}
}

func TestSendTokenSubmitsSmallestUnits(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := confirmationID(t, fx.tools.Call(ctx, ToolSendToken, map[string]any{"to_address": allowed.Hex(), "amount": 5.0}))
	if _, err := fx.machine.Decide(ctx, id, true, "alice"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	got := fx.tools.Call(ctx, ToolResumeOperation, map[string]any{"confirmation_id": id})
	if hashPattern.FindStringSubmatch(got) == nil {
		t.Fatalf("unexpected result %q", got)
	}
	sent := fx.backend.Sent()
	if len(sent) != 1 || *sent[0].To() != tokenAddr {
		t.Fatalf("expected one token transfer")
	}
	to, amount, err := web3test.DecodeTransfer(sent[0].Data())
	if err != nil || to != allowed || amount.String() != "5000000000000000000" {
		t.Fatalf("unexpected calldata %s %v %v", to.Hex(), amount, err)
	}
}

func TestResumeRunRefusesUndecided(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	args := map[string]any{"to_address": allowed.Hex(), "amount_eth": 0.1, "run_id": "run-7"}
	a := confirmationID(t, fx.tools.Call(ctx, ToolSendETH, args))
	b := confirmationID(t, fx.tools.Call(ctx, ToolSendETH, args))

	got := fx.tools.Call(ctx, ToolResumeRun, map[string]any{"run_id": "run-7"})
	if !strings.HasPrefix(got, "Error [CONFIRMATION_UNDECIDED]") || fx.backend.Calls("SendTransaction") != 0 {
		t.Fatalf("undecided run must be refused, got %q", got)
	}
	listing := fx.tools.Call(ctx, ToolListPending, map[string]any{"run_id": "run-7"})
	if !strings.Contains(listing, a) || !strings.Contains(listing, b) {
		t.Fatalf("listing should contain both confirmations: %q", listing)
	}

	got = fx.tools.Call(ctx, ToolResumeRun, map[string]any{
		"run_id":    "run-7",
		"decisions": map[string]any{a: true, b: false},
	})
	if !strings.HasPrefix(got, "Run run-7 resumed:") || !strings.Contains(got, confirm.CancelledText) {
		t.Fatalf("unexpected run result %q", got)
	}
	if len(fx.backend.Sent()) != 1 {
		t.Fatalf("only the approved transfer should broadcast")
	}
	if fx.tools.Call(ctx, ToolListPending, nil) != noPendingConfirmation {
		t.Fatalf("run should be fully resolved")
	}
}

func TestDecisionToolsCanBeDisabled(t *testing.T) {
	fx := newFixture(t, WithDecisionTools(false))
	for _, name := range fx.tools.Names() {
		if name == ToolConfirmOperation || name == ToolResumeRun {
			t.Fatalf("decision tool %s should not be exposed", name)
		}
	}
	if len(fx.tools.Names()) != 7 {
		t.Fatalf("unexpected tool list %v", fx.tools.Names())
	}
}

func TestAwaitReturnsFinalResult(t *testing.T) {
	fx := newFixture(t, WithAwait(2*time.Second))
	fx.tools.poll = 5 * time.Millisecond
	ctx := context.Background()
	go func() {
		for i := 0; i < 200; i++ {
			list, _ := fx.machine.List(ctx, "")
			if len(list) == 1 {
				_, _ = fx.machine.Decide(ctx, list[0].ID, true, "alice")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	got := fx.tools.Call(ctx, ToolSendETH, map[string]any{"to_address": allowed.Hex(), "amount_eth": 1})
	if hashPattern.FindStringSubmatch(got) == nil {
		t.Fatalf("expected the submitted hash, got %q", got)
	}
}

func TestAwaitTimeoutLeavesConfirmationPending(t *testing.T) {
	fx := newFixture(t, WithAwait(20*time.Millisecond))
	fx.tools.poll = 5 * time.Millisecond
	got := fx.tools.Call(context.Background(), ToolSendETH, map[string]any{"to_address": allowed.Hex(), "amount_eth": 1})
	confirmationID(t, got)
	if list, _ := fx.machine.List(context.Background(), ""); len(list) != 1 {
		t.Fatalf("confirmation should stay pending after the wait")
	}
}

func TestMCPServerListsTools(t *testing.T) {
	fx := newFixture(t)
	s := fx.tools.NewMCPServer()
	ctx := context.Background()

	resp := s.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, name := range []string{ToolGetBalance, ToolSendETH, ToolSendToken, ToolResumeRun} {
		if !strings.Contains(string(raw), `"`+name+`"`) {
			t.Fatalf("tools/list should contain %s: %s", name, raw)
		}
	}

	call := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_network_gas_price","arguments":{}}}`
	raw, _ = json.Marshal(s.HandleMessage(ctx, json.RawMessage(call)))
	if !strings.Contains(string(raw), "Current gas price: 1 Gwei") {
		t.Fatalf("unexpected tools/call response %s", raw)
	}
}
