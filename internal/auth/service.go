package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/pkg/logger"
)

// Credential 是一个命名的静态令牌。
type Credential struct {
	Name  string
	Token string
	Role  string
}

// Service 使用静态 Bearer 令牌认证审批接口的调用方。
// 未配置任何令牌时认证关闭。
type Service struct {
	entries []tokenEntry
	audit   *slog.Logger
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 构造认证服务。名称或令牌重复、角色未知时返回 CONFIGURATION_ERROR。
func NewService(creds ...Credential) (*Service, error) {
	sorted := append([]Credential(nil), creds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	svc := &Service{audit: logger.Audit()}
	names := make(map[string]struct{}, len(sorted))
	digests := make(map[[sha256.Size]byte]string, len(sorted))
	for _, c := range sorted {
		name, token := strings.TrimSpace(c.Name), strings.TrimSpace(c.Token)
		if name == "" || token == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, "令牌名称和值不能为空")
		}
		if _, dup := names[name]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("令牌名称重复: %s", name))
		}
		role, err := ParseRole(c.Role)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("令牌 %s 的角色无效", name))
		}
		digest := sha256.Sum256([]byte(token))
		if other, dup := digests[digest]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("令牌 %s 与 %s 的值相同", name, other))
		}
		names[name] = struct{}{}
		digests[digest] = name
		svc.entries = append(svc.entries, tokenEntry{digest: digest, subject: NewSubject(name, role)})
	}
	return svc, nil
}

// Enabled 判断是否配置了令牌。
func (s *Service) Enabled() bool {
	return s != nil && len(s.entries) > 0
}

// Names 返回已配置的令牌名称。
func (s *Service) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.subject.Name)
	}
	return out
}

// AuthenticateRequest 校验 Authorization 头并返回对应主体。
// 比较始终遍历全部令牌，耗时与命中位置无关。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	token, ok := bearerToken(header)
	if !ok {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			match = e.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
