package toolserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"OpenMCP-Gateway/internal/auth"
	"OpenMCP-Gateway/internal/confirm"
	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/web3"
)

// 工具名称。
const (
	ToolGetBalance        = "get_eth_balance"
	ToolSendETH           = "send_eth"
	ToolGetTokenBalance   = "get_erc20_token_balance"
	ToolGasPrice          = "get_network_gas_price"
	ToolSendToken         = "send_erc20_token"
	ToolAddressByName     = "get_address_by_name"
	ToolListPending       = "list_pending_confirmations"
	ToolConfirmOperation  = "confirm_operation"
	ToolResumeOperation   = "resume_operation"
	ToolResumeRun         = "resume_run"
	confirmationPrefix    = "Confirmation required."
	toolDecider           = "mcp"
	senderBalanceSuffix   = " (This is the server's configured address)"
	noPendingConfirmation = "No pending confirmations."
)

func (t *Toolset) registerTools() {
	t.add(mcp.NewTool(ToolGetBalance,
		mcp.WithDescription("Get the native ETH balance of an address"),
		mcp.WithString("address", mcp.Required(), mcp.Description("Hex address to query")),
	), t.getBalance)

	t.add(mcp.NewTool(ToolSendETH,
		mcp.WithDescription("Send ETH to an allow-listed address. Requires human confirmation before the transaction is broadcast."),
		mcp.WithString("to_address", mcp.Required(), mcp.Description("Destination address, must be in ETH_WHITELIST")),
		mcp.WithNumber("amount_eth", mcp.Required(), mcp.Description("Amount in ETH; a decimal string is accepted for exact values")),
		mcp.WithString("run_id", mcp.Description("Groups several confirmations of one agent run")),
	), t.sendETH)

	t.add(mcp.NewTool(ToolGetTokenBalance,
		mcp.WithDescription("Get the balance of the configured ERC20 token for a wallet"),
		mcp.WithString("wallet_address", mcp.Required(), mcp.Description("Hex address to query")),
	), t.getTokenBalance)

	t.add(mcp.NewTool(ToolGasPrice,
		mcp.WithDescription("Get the current network gas price in Gwei"),
	), t.gasPrice)

	t.add(mcp.NewTool(ToolSendToken,
		mcp.WithDescription("Send the configured ERC20 token to an allow-listed address. Requires human confirmation before the transaction is broadcast."),
		mcp.WithString("to_address", mcp.Required(), mcp.Description("Destination address, must be in ERC20_WHITELIST")),
		mcp.WithNumber("amount", mcp.Required(), mcp.Description("Amount in token units; a decimal string is accepted for exact values")),
		mcp.WithString("run_id", mcp.Description("Groups several confirmations of one agent run")),
	), t.sendToken)

	t.add(mcp.NewTool(ToolAddressByName,
		mcp.WithDescription("Resolve a contact name from the address book"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Contact name, case-insensitive")),
	), t.addressByName)

	t.add(mcp.NewTool(ToolListPending,
		mcp.WithDescription("List confirmations that are waiting for a decision or a resume"),
		mcp.WithString("run_id", mcp.Description("Only list confirmations of this run")),
	), t.listPending)

	if !t.viaTool {
		return
	}
	t.add(mcp.NewTool(ToolConfirmOperation,
		mcp.WithDescription("Approve or deny a pending confirmation and resume it immediately"),
		mcp.WithString("confirmation_id", mcp.Required(), mcp.Description("ID returned by the sensitive tool")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to execute the operation, false to cancel it")),
	), t.confirmOperation)

	t.add(mcp.NewTool(ToolResumeOperation,
		mcp.WithDescription("Resume a confirmation that was decided through the approval API"),
		mcp.WithString("confirmation_id", mcp.Required(), mcp.Description("ID returned by the sensitive tool")),
	), t.resumeOperation)

	t.add(mcp.NewTool(ToolResumeRun,
		mcp.WithDescription("Resume every confirmation of a run; refuses while any of them is undecided"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run identifier")),
		mcp.WithObject("decisions", mcp.Description("Optional map of confirmation id to approved flag applied before resuming")),
	), t.resumeRun)
}

func (t *Toolset) getBalance(ctx context.Context, args map[string]any) (string, error) {
	address, err := stringArg(args, "address", true)
	if err != nil {
		return "", err
	}
	bal, err := t.gw.NativeBalance(ctx, address)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Balance of %s: %s %s", bal.Address.Hex(), bal.Amount.String(), bal.Symbol), nil
}

func (t *Toolset) getTokenBalance(ctx context.Context, args map[string]any) (string, error) {
	address, err := stringArg(args, "wallet_address", true)
	if err != nil {
		return "", err
	}
	bal, err := t.gw.TokenBalance(ctx, address)
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("Token balance of %s (%s): %s", bal.Address.Hex(), bal.Symbol, bal.Amount.String())
	if bal.IsSender {
		text += senderBalanceSuffix
	}
	return text, nil
}

func (t *Toolset) gasPrice(ctx context.Context, _ map[string]any) (string, error) {
	price, err := t.gw.GasPrice(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Current gas price: %s Gwei", price.Gwei.String()), nil
}

func (t *Toolset) sendETH(ctx context.Context, args map[string]any) (string, error) {
	return t.requestTransfer(ctx, web3.AssetNative, ToolSendETH, "amount_eth", args)
}

func (t *Toolset) sendToken(ctx context.Context, args map[string]any) (string, error) {
	return t.requestTransfer(ctx, web3.AssetToken, ToolSendToken, "amount", args)
}

// requestTransfer 在挂起前完成全部校验与授权，被拒绝的请求不会产生确认记录。
func (t *Toolset) requestTransfer(ctx context.Context, kind web3.AssetKind, op, amountKey string, args map[string]any) (string, error) {
	to, err := stringArg(args, "to_address", true)
	if err != nil {
		return "", err
	}
	runID, err := stringArg(args, "run_id", false)
	if err != nil {
		return "", err
	}
	req, err := t.gw.PrepareTransfer(kind, to, args[amountKey])
	if err != nil {
		return "", err
	}

	symbol := "ETH"
	if kind == web3.AssetToken {
		symbol = t.gw.Context().TokenSymbol
	}
	c, err := t.machine.Request(ctx, confirm.Request{
		RunID:     runID,
		Operation: op,
		Args:      req.Args(),
		Summary:   fmt.Sprintf("send %s %s to %s", req.Amount.String(), symbol, req.To.Hex()),
	})
	if err != nil {
		return "", err
	}
	if t.await <= 0 {
		return pendingText(c), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.await)
	defer cancel()
	res, err := t.machine.Await(waitCtx, c.ID, t.poll)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeTimeout {
			return pendingText(c), nil
		}
		return "", err
	}
	return res.Text(), nil
}

func (t *Toolset) transferExecutor(kind web3.AssetKind) confirm.Executor {
	return func(ctx context.Context, args map[string]string) (confirm.Outcome, error) {
		req, err := t.gw.PrepareTransfer(kind, args["to_address"], args["amount"])
		if err != nil {
			return confirm.Outcome{}, err
		}
		sub, err := t.gw.Transfer(ctx, req)
		if err != nil {
			return confirm.Outcome{}, err
		}
		hash := sub.Hash.Hex()
		return confirm.Outcome{Text: "Transaction submitted. Hash: " + hash, TxHash: hash}, nil
	}
}

func (t *Toolset) addressByName(_ context.Context, args map[string]any) (string, error) {
	name, err := stringArg(args, "name", true)
	if err != nil {
		return "", err
	}
	if t.book == nil || t.book.Len() == 0 {
		return "", xerrors.New(xerrors.CodeConfiguration, "address book is not configured")
	}
	addr, ok := t.book.Lookup(name)
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no address registered for %q", name))
	}
	return fmt.Sprintf("Address of %s: %s", name, addr.Hex()), nil
}

func (t *Toolset) listPending(ctx context.Context, args map[string]any) (string, error) {
	runID, err := stringArg(args, "run_id", false)
	if err != nil {
		return "", err
	}
	list, err := t.machine.List(ctx, runID)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return noPendingConfirmation, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending confirmation(s):", len(list))
	for _, c := range list {
		fmt.Fprintf(&b, "\n- %s [%s] run=%s %s (expires %s)",
			c.ID, c.State, c.RunID, c.Summary, c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return b.String(), nil
}

func (t *Toolset) confirmOperation(ctx context.Context, args map[string]any) (string, error) {
	id, err := stringArg(args, "confirmation_id", true)
	if err != nil {
		return "", err
	}
	approved, err := boolArg(args, "approved")
	if err != nil {
		return "", err
	}
	res, err := t.machine.Resolve(ctx, id, approved, decider(ctx))
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}

func (t *Toolset) resumeOperation(ctx context.Context, args map[string]any) (string, error) {
	id, err := stringArg(args, "confirmation_id", true)
	if err != nil {
		return "", err
	}
	res, err := t.machine.Resume(ctx, id)
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}

func (t *Toolset) resumeRun(ctx context.Context, args map[string]any) (string, error) {
	runID, err := stringArg(args, "run_id", true)
	if err != nil {
		return "", err
	}
	decisions, err := decisionsArg(args, "decisions")
	if err != nil {
		return "", err
	}
	var results []confirm.Resolution
	if len(decisions) > 0 {
		results, err = t.machine.ResolveRun(ctx, runID, decisions, decider(ctx))
	} else {
		results, err = t.machine.ResumeRun(ctx, runID)
	}
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s resumed:", runID)
	for _, res := range results {
		fmt.Fprintf(&b, "\n- %s (%s): %s", res.Confirmation.ID, res.Confirmation.Operation, res.Text())
	}
	return b.String(), nil
}

func pendingText(c *confirm.Confirmation) string {
	return fmt.Sprintf("%s ID: %s\nRun: %s\nOperation: %s\nExpires: %s\nApprove or deny it, then resume it to continue.",
		confirmationPrefix, c.ID, c.RunID, c.Summary, c.ExpiresAt.UTC().Format(time.RFC3339))
}

// decider 返回记录为决策人的名称，工具通道默认使用 "mcp"。
func decider(ctx context.Context) string {
	if name := auth.NameFromContext(ctx); name != auth.AnonymousName {
		return name
	}
	return toolDecider
}
