package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// 认证子系统返回的通用错误。
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnknownRole      = errors.New("unknown role")
)

// Permission 是审批接口上的一项操作权限。
type Permission string

const (
	PermissionReadConfirmations   Permission = "confirmations:read"
	PermissionDecideConfirmations Permission = "confirmations:decide"
	PermissionCallTools           Permission = "tools:call"
	PermissionReadJournal         Permission = "journal:read"
)

// Role 将一组权限绑定到令牌上。
type Role string

const (
	// RoleApprover 可以查看、决策、恢复确认并直接调用工具。
	RoleApprover Role = "approver"
	// RoleViewer 只能查看待确认操作与操作日志。
	RoleViewer Role = "viewer"
)

var rolePermissions = map[Role][]Permission{
	RoleApprover: {PermissionReadConfirmations, PermissionDecideConfirmations, PermissionCallTools, PermissionReadJournal},
	RoleViewer:   {PermissionReadConfirmations, PermissionReadJournal},
}

// ParseRole 解析角色名称，空字符串视为 RoleApprover。
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if role == "" {
		return RoleApprover, nil
	}
	if _, ok := rolePermissions[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return role, nil
}

// Permissions 返回角色拥有的权限。
func (r Role) Permissions() []Permission {
	return append([]Permission(nil), rolePermissions[r]...)
}

// Subject 描述通过认证的调用方，Name 会作为决策人记录。Subject 创建后不再修改。
type Subject struct {
	Name string
	Role Role

	perms map[Permission]struct{}
}

// NewSubject 按角色构造主体。
func NewSubject(name string, role Role) *Subject {
	s := &Subject{Name: name, Role: role, perms: make(map[Permission]struct{})}
	for _, p := range rolePermissions[role] {
		s.perms[p] = struct{}{}
	}
	return s
}

// HasPermission 判断主体是否拥有指定权限。
func (s *Subject) HasPermission(p Permission) bool {
	if s == nil {
		return false
	}
	_, ok := s.perms[p]
	return ok
}

// Permissions 返回排序后的权限列表。
func (s *Subject) Permissions() []Permission {
	if s == nil {
		return nil
	}
	out := make([]Permission, 0, len(s.perms))
	for p := range s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Authorize 确认主体拥有全部所需权限。
func (s *Subject) Authorize(perms ...Permission) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, p := range perms {
		if p != "" && !s.HasPermission(p) {
			return fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, s.Role, p)
		}
	}
	return nil
}
