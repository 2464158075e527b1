package guard

import (
	"strings"
	"sync"
	"testing"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/web3"
)

const (
	allowed   = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	tokenOnly = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	stranger  = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
)

func newGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := FromConfig([]string{strings.ToLower(allowed)}, []string{" " + tokenOnly + " ", allowed})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	return g
}

func TestAuthorize(t *testing.T) {
	g := newGuard(t)

	cases := []struct {
		name string
		kind web3.AssetKind
		dest string
		code xerrors.Code
	}{
		{name: "allowed native checksum", kind: web3.AssetNative, dest: allowed},
		{name: "case variation", kind: web3.AssetNative, dest: strings.ToUpper(allowed[2:])},
		{name: "allowed token", kind: web3.AssetToken, dest: tokenOnly},
		{name: "token address not in native list", kind: web3.AssetNative, dest: tokenOnly, code: xerrors.CodeNotAuthorized},
		{name: "stranger", kind: web3.AssetToken, dest: stranger, code: xerrors.CodeNotAuthorized},
		{name: "malformed", kind: web3.AssetNative, dest: "0xInvalidAddress", code: xerrors.CodeValidation},
		{name: "empty", kind: web3.AssetNative, dest: "  ", code: xerrors.CodeValidation},
		{name: "unknown kind", kind: web3.AssetKind("nft"), dest: allowed, code: xerrors.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := g.Authorize(tc.kind, tc.dest)
			if tc.code == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if addr.Hex() != allowed && addr.Hex() != tokenOnly {
					t.Fatalf("address not normalised: %s", addr.Hex())
				}
				return
			}
			if got := xerrors.CodeOf(err); got != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestNotAuthorizedNamesChecksumAddress(t *testing.T) {
	g := newGuard(t)
	_, err := g.Authorize(web3.AssetNative, strings.ToLower(stranger))
	if err == nil || !strings.Contains(err.Error(), stranger) {
		t.Fatalf("error should name checksum address, got %v", err)
	}
}

func TestMalformedInputDoesNotMentionAllowList(t *testing.T) {
	g := newGuard(t)
	_, err := g.Authorize(web3.AssetNative, "0x1234")
	if err == nil || strings.Contains(err.Error(), "whitelist") {
		t.Fatalf("validation error must not describe the allow-list: %v", err)
	}
}

func TestParseAllowListRejectsInvalidEntry(t *testing.T) {
	_, err := ParseAllowList([]string{allowed, "not-an-address"})
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	list, err := ParseAllowList(nil)
	if err != nil || list.Len() != 0 {
		t.Fatalf("empty list expected, got %v %d", err, list.Len())
	}
}

func TestAuthorizeConcurrent(t *testing.T) {
	g := newGuard(t)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dest := allowed
			if i%2 == 1 {
				dest = stranger
			}
			_, err := g.Authorize(web3.AssetNative, dest)
			if (i%2 == 0) != (err == nil) {
				t.Errorf("unexpected result for %s: %v", dest, err)
			}
		}(i)
	}
	wg.Wait()
}
