// Package guard 实现转账目的地址的白名单授权。
package guard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/web3"
)

// AllowList 是加载后不可变的校验和地址集合。
type AllowList struct {
	set map[common.Address]struct{}
}

// ParseAllowList 解析地址列表，任一条目不合法时返回 CONFIGURATION_ERROR。
func ParseAllowList(entries []string) (AllowList, error) {
	set := make(map[common.Address]struct{}, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !common.IsHexAddress(entry) {
			return AllowList{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("白名单条目不是合法地址: %q", entry))
		}
		set[common.HexToAddress(entry)] = struct{}{}
	}
	return AllowList{set: set}, nil
}

// Contains 判断地址是否在白名单内。
func (l AllowList) Contains(addr common.Address) bool {
	_, ok := l.set[addr]
	return ok
}

// Len 返回白名单大小。
func (l AllowList) Len() int { return len(l.set) }

// Addresses 返回排序后的校验和地址。
func (l AllowList) Addresses() []string {
	out := make([]string, 0, len(l.set))
	for addr := range l.set {
		out = append(out, addr.Hex())
	}
	sort.Strings(out)
	return out
}

// NormalizeAddress 校验地址格式并返回规范形式。
func NormalizeAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, xerrors.New(xerrors.CodeValidation, "address is required")
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("invalid address format: %s", trimmed))
	}
	return common.HexToAddress(trimmed), nil
}

// Guard 按资产类型检查目的地址。无内部可变状态，可并发使用。
type Guard struct {
	native AllowList
	token  AllowList
}

// New 创建 Guard。
func New(native, token AllowList) *Guard {
	return &Guard{native: native, token: token}
}

// FromConfig 由原始白名单条目构造 Guard。
func FromConfig(native, token []string) (*Guard, error) {
	nativeList, err := ParseAllowList(native)
	if err != nil {
		return nil, err
	}
	tokenList, err := ParseAllowList(token)
	if err != nil {
		return nil, err
	}
	return New(nativeList, tokenList), nil
}

// Authorize 先校验格式，再以校验和形式检查白名单。
// 格式错误在任何白名单查询之前返回。
func (g *Guard) Authorize(kind web3.AssetKind, destination string) (common.Address, error) {
	addr, err := NormalizeAddress(destination)
	if err != nil {
		return common.Address{}, err
	}
	list, err := g.list(kind)
	if err != nil {
		return common.Address{}, err
	}
	if !list.Contains(addr) {
		return common.Address{}, xerrors.New(xerrors.CodeNotAuthorized,
			fmt.Sprintf("address %s is not in the %s whitelist", addr.Hex(), label(kind)),
			xerrors.WithMetadata("address", addr.Hex()),
			xerrors.WithMetadata("asset", kind.String()))
	}
	return addr, nil
}

// AllowList 返回指定资产类型的白名单。
func (g *Guard) AllowList(kind web3.AssetKind) AllowList {
	list, _ := g.list(kind)
	return list
}

func (g *Guard) list(kind web3.AssetKind) (AllowList, error) {
	if g == nil {
		return AllowList{}, nil
	}
	switch kind {
	case web3.AssetNative:
		return g.native, nil
	case web3.AssetToken:
		return g.token, nil
	default:
		return AllowList{}, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("unknown asset kind %q", kind))
	}
}

func label(kind web3.AssetKind) string {
	if kind == web3.AssetToken {
		return "ERC20"
	}
	return "ETH"
}
