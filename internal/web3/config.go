package web3

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Gateway/internal/errors"
)

// AddressBook 是启动时加载的名称到地址映射，加载后只读。
type AddressBook struct {
	entries map[string]common.Address
}

// addressBookFile models the on-disk layout:
//
//	addresses:
//	  alice: "0x..."
//
// A flat name -> address map is accepted as well.
type addressBookFile struct {
	Addresses map[string]string `yaml:"addresses" json:"addresses"`
}

// NewAddressBook 校验并规范化条目，名称不区分大小写。
func NewAddressBook(raw map[string]string) (*AddressBook, error) {
	entries := make(map[string]common.Address, len(raw))
	for name, addr := range raw {
		key := normaliseName(name)
		if key == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, "地址簿存在空名称")
		}
		addr = strings.TrimSpace(addr)
		if !common.IsHexAddress(addr) {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("地址簿条目 %s 的地址不合法: %q", name, addr))
		}
		if _, dup := entries[key]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("地址簿名称重复: %s", name))
		}
		entries[key] = common.HexToAddress(addr)
	}
	return &AddressBook{entries: entries}, nil
}

// LoadAddressBook 解析 YAML 或 JSON 格式的地址簿，路径为空时返回空地址簿。
func LoadAddressBook(path string) (*AddressBook, error) {
	if strings.TrimSpace(path) == "" {
		return &AddressBook{entries: map[string]common.Address{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取地址簿失败")
	}

	var (
		file addressBookFile
		flat map[string]string
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(content, &file); err != nil || file.Addresses == nil {
			if err := json.Unmarshal(content, &flat); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析地址簿失败")
			}
		}
	} else {
		if err := yaml.Unmarshal(content, &file); err != nil || file.Addresses == nil {
			if err := yaml.Unmarshal(content, &flat); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析地址簿失败")
			}
		}
	}
	if file.Addresses != nil {
		return NewAddressBook(file.Addresses)
	}
	return NewAddressBook(flat)
}

// Lookup 按名称查找地址，第二个返回值表示是否找到。
func (b *AddressBook) Lookup(name string) (common.Address, bool) {
	if b == nil {
		return common.Address{}, false
	}
	addr, ok := b.entries[normaliseName(name)]
	return addr, ok
}

// Names 返回排序后的全部名称。
func (b *AddressBook) Names() []string {
	if b == nil {
		return nil
	}
	names := make([]string, 0, len(b.entries))
	for name := range b.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len 返回条目数量。
func (b *AddressBook) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
